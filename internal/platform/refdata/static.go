package refdata

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Static is an in-memory Resolver used by tests and local seeding.
type Static struct {
	Patients    map[uuid.UUID]*Patient
	Doctors     map[uuid.UUID]*Doctor
	Departments map[uuid.UUID]*Department
	Locations   map[uuid.UUID]*Location
}

func NewStatic() *Static {
	return &Static{
		Patients:    make(map[uuid.UUID]*Patient),
		Doctors:     make(map[uuid.UUID]*Doctor),
		Departments: make(map[uuid.UUID]*Department),
		Locations:   make(map[uuid.UUID]*Location),
	}
}

func lookup[T any](m map[uuid.UUID]*T, entity string, id uuid.UUID) (*T, error) {
	v, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", entity, ErrNotFound)
	}
	return v, nil
}

func (s *Static) ResolvePatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	return lookup(s.Patients, "patient", id)
}

func (s *Static) ResolveDoctor(_ context.Context, id uuid.UUID) (*Doctor, error) {
	return lookup(s.Doctors, "doctor", id)
}

func (s *Static) ResolveDepartment(_ context.Context, id uuid.UUID) (*Department, error) {
	return lookup(s.Departments, "department", id)
}

func (s *Static) ResolveLocation(_ context.Context, id uuid.UUID) (*Location, error) {
	return lookup(s.Locations, "location", id)
}

// AddPatient registers an active patient and returns its id.
func (s *Static) AddPatient(mrn, name string) uuid.UUID {
	id := uuid.New()
	s.Patients[id] = &Patient{ID: id, MRN: mrn, Name: name, Active: true}
	return id
}

// AddDepartment registers an active department and returns its id.
func (s *Static) AddDepartment(name string) uuid.UUID {
	id := uuid.New()
	s.Departments[id] = &Department{ID: id, Name: name, Active: true}
	return id
}

// AddDoctor registers an active doctor and returns its id.
func (s *Static) AddDoctor(name string, dept uuid.UUID) uuid.UUID {
	id := uuid.New()
	s.Doctors[id] = &Doctor{ID: id, Name: name, DepartmentID: &dept, Active: true}
	return id
}

// AddLocation registers an active location and returns its id.
func (s *Static) AddLocation(name string) uuid.UUID {
	id := uuid.New()
	s.Locations[id] = &Location{ID: id, Name: name, Active: true}
	return id
}
