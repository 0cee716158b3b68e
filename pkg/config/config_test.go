package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cassandane/colfam/pkg/dberrors"
)

func TestLoad_MissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("expected the default config when the file is missing, got %+v", cfg)
	}
}

func TestLoad_OverridesOnlyFieldsPresentInTheFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "cache:\n  capacity_partitions: 42\n"
	if err := os.WriteFile(path, []byte(yaml), 0o640); err != nil {
		t.Fatalf("failed to seed config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Cache.CapacityPartitions != 42 {
		t.Fatalf("expected the overridden cache capacity 42, got %d", cfg.Cache.CapacityPartitions)
	}
	if cfg.WAL.SegmentSizeInMB != Default().WAL.SegmentSizeInMB {
		t.Fatalf("expected fields absent from the file to keep their default values, got %+v", cfg.WAL)
	}
}

func TestLoad_InvalidYAMLReturnsConfigurationInvalidError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("cache: [this is not a mapping"), 0o640); err != nil {
		t.Fatalf("failed to seed config file: %v", err)
	}

	_, err := Load(path)
	if !errors.Is(err, dberrors.ErrConfigurationInvalid) {
		t.Fatalf("expected ErrConfigurationInvalid for malformed YAML, got %v", err)
	}
}

func TestLoad_RejectsConfigThatFailsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "commitlog:\n  segment_size_in_mb: 0\n"
	if err := os.WriteFile(path, []byte(yaml), 0o640); err != nil {
		t.Fatalf("failed to seed config file: %v", err)
	}

	_, err := Load(path)
	if !errors.Is(err, dberrors.ErrConfigurationInvalid) {
		t.Fatalf("expected ErrConfigurationInvalid for a non-positive segment size, got %v", err)
	}
}

func TestValidate_RejectsNonPositiveReadConcurrency(t *testing.T) {
	cfg := Default()
	cfg.Read.NormalConcurrency = 0

	if err := cfg.Validate(); !errors.Is(err, dberrors.ErrConfigurationInvalid) {
		t.Fatalf("expected ErrConfigurationInvalid, got %v", err)
	}
}

func TestValidate_RejectsNegativeCacheCapacity(t *testing.T) {
	cfg := Default()
	cfg.Cache.CapacityPartitions = -1

	if err := cfg.Validate(); !errors.Is(err, dberrors.ErrConfigurationInvalid) {
		t.Fatalf("expected ErrConfigurationInvalid, got %v", err)
	}
}

func TestValidate_RejectsUnrecognizedLoggerLevel(t *testing.T) {
	cfg := Default()
	cfg.Logger.Level = "VERBOSE"

	if err := cfg.Validate(); !errors.Is(err, dberrors.ErrConfigurationInvalid) {
		t.Fatalf("expected ErrConfigurationInvalid, got %v", err)
	}
}

func TestValidate_AcceptsLowercaseLoggerLevel(t *testing.T) {
	cfg := Default()
	cfg.Logger.Level = "debug"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected a lowercase level to validate, got %v", err)
	}
}

func TestDefault_PassesItsOwnValidation(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("expected the default config to be self-consistent, got %v", err)
	}
}
