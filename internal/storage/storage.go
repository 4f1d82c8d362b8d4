package storage

import (
	"context"

	"github.com/slok/sbxd/internal/model"
)

// SandboxRepository persists sandbox records.
type SandboxRepository interface {
	// UpsertSandbox creates or replaces the sandbox record.
	UpsertSandbox(ctx context.Context, s model.Sandbox) error
	GetSandbox(ctx context.Context, id string) (*model.Sandbox, error)
	ListSandboxes(ctx context.Context) ([]model.Sandbox, error)
	DeleteSandbox(ctx context.Context, id string) error
}

// VolumeRepository persists volume records.
type VolumeRepository interface {
	UpsertVolume(ctx context.Context, v model.Volume) error
	GetVolume(ctx context.Context, name string) (*model.Volume, error)
	ListVolumes(ctx context.Context) ([]model.Volume, error)
	DeleteVolume(ctx context.Context, name string) error
}

// Repository is the interface for sbxd persistence.
type Repository interface {
	SandboxRepository
	VolumeRepository
}
