/*
patch.go - Typed partial updates

PURPOSE:
  Every generic update goes through an explicit patch struct with
  optional pointer fields, so the set of fields an operation is allowed
  to touch is enumerable and enforceable. The harvest patch deliberately
  has NO weight, status or consumed-total fields: those belong to the
  weight ledger and the status machine alone.
*/
package ledger

import "time"

// PlantPatch updates the mutable descriptive fields of a plant.
type PlantPatch struct {
	Strain *string
	Stage  *string
}

func (p PlantPatch) apply(plant *Plant) {
	if p.Strain != nil {
		plant.Strain = *p.Strain
	}
	if p.Stage != nil {
		plant.Stage = *p.Stage
	}
}

// HarvestPatch updates the mutable descriptive fields of a harvest.
type HarvestPatch struct {
	Purpose     *string
	HarvestedOn *time.Time
}

func (p HarvestPatch) apply(h *Harvest) {
	if p.Purpose != nil {
		h.Purpose = *p.Purpose
	}
	if p.HarvestedOn != nil {
		h.HarvestedOn = *p.HarvestedOn
	}
}

// PatientPatch updates the mutable fields of a patient.
type PatientPatch struct {
	Name  *string
	Ident *string
}

func (p PatientPatch) apply(patient *Patient) {
	if p.Name != nil {
		patient.Name = *p.Name
	}
	if p.Ident != nil {
		patient.Ident = *p.Ident
	}
}
