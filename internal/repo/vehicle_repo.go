// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Vehicle
// model used to snapshot vehicle context onto threads.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-workshop-backend/internal/domain"
)

// CreateVehicle inserts a vehicle row. Fixture/admin helper.
func CreateVehicle(ctx context.Context, db *gorm.DB, v *domain.Vehicle) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.CreatedAt = time.Now().UTC()
	return db.WithContext(ctx).Create(v).Error
}

// GetVehicle fetches a vehicle by ID.
func GetVehicle(ctx context.Context, db *gorm.DB, id string) (*domain.Vehicle, error) {
	var v domain.Vehicle
	if err := db.WithContext(ctx).Where("id = ?", id).First(&v).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVehicleByPlate looks a vehicle up by normalized license plate within a
// workshop. Returns ErrNotFound when the plate is unknown; thread creation
// treats that as "no snapshot", not a failure.
func GetVehicleByPlate(ctx context.Context, db *gorm.DB, workshopID, plate string) (*domain.Vehicle, error) {
	var v domain.Vehicle
	err := db.WithContext(ctx).
		Where("workshop_id = ? AND license_plate = ?", workshopID, plate).
		First(&v).Error
	if err != nil {
		return nil, err
	}
	return &v, nil
}
