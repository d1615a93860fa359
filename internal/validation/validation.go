// Package validation holds the small input-shaping helpers the HTTP
// layer applies before handing a create request to the coordinator.
package validation

import (
	"fmt"

	"github.com/NadimPy/vm-provisioner/internal/config"
	"github.com/NadimPy/vm-provisioner/internal/provisionerrors"
)

// Clamp restricts value to [min, max].
func Clamp(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// CreateVMInput is the shape a create-VM request is validated against.
type CreateVMInput struct {
	Name      string
	SSHKey    string
	ImageType string
	MemoryMB  int
	VCPUs     int
}

// Normalize validates ImageType against the known image table and clamps
// MemoryMB/VCPUs into the configured bounds. Unlike the original's
// silent clamp-only behavior, an unknown image type is rejected outright
// since there is no safe default base image to substitute.
func Normalize(in CreateVMInput, cfg *config.Config) (CreateVMInput, error) {
	const op = "validation.Normalize"

	if in.Name == "" {
		return in, provisionerrors.Wrap(provisionerrors.ValidationFailed, op, fmt.Errorf("name is required"))
	}
	if in.SSHKey == "" {
		return in, provisionerrors.Wrap(provisionerrors.ValidationFailed, op, fmt.Errorf("ssh_key is required"))
	}
	if in.ImageType == "" {
		in.ImageType = "debian-12"
	}
	if _, ok := cfg.Images[in.ImageType]; !ok {
		return in, provisionerrors.Wrap(provisionerrors.ValidationFailed, op,
			fmt.Errorf("unknown image type: %s", in.ImageType))
	}

	if in.MemoryMB == 0 {
		in.MemoryMB = cfg.VM.DefaultMemoryMB
	}
	if in.VCPUs == 0 {
		in.VCPUs = cfg.VM.DefaultVCPUs
	}
	in.MemoryMB = Clamp(in.MemoryMB, cfg.VM.MinMemoryMB, cfg.VM.MaxMemoryMB)
	in.VCPUs = Clamp(in.VCPUs, cfg.VM.MinVCPUs, cfg.VM.MaxVCPUs)

	return in, nil
}
