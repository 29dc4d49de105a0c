// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigEnv stores system configuration.
type ConfigEnv struct {
	Listen        string `yaml:"listen"`
	Port          int    `yaml:"port"`
	SDPPath       string `yaml:"sdpPath"`
	PayloadType   uint8  `yaml:"payloadType"`
	MaxPacketSize int    `yaml:"maxPacketSize"`

	StorageDir string `yaml:"storageDir"`
	LogDB      string `yaml:"logDB"`

	APIUser         string `yaml:"apiUser"`
	APIPasswordHash string `yaml:"apiPasswordHash"`

	ConfigDir string `yaml:"-"`
}

// Errors.
var (
	ErrPathNotAbsolute   = errors.New("path is not absolute")
	ErrSDPPathMissing    = errors.New("sdpPath is required")
	ErrInvalidPacketSize = errors.New("invalid maxPacketSize")
	ErrPasswordHashEmpty = errors.New("apiUser is set but apiPasswordHash is empty")
)

// NewConfigEnv return new environment configuration.
func NewConfigEnv(envPath string, envYAML []byte) (*ConfigEnv, error) {
	var env ConfigEnv

	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)

	if env.Listen == "" {
		env.Listen = ":5004"
	}
	if env.Port == 0 {
		env.Port = 2020
	}
	if env.MaxPacketSize == 0 {
		env.MaxPacketSize = 1472
	}
	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(env.ConfigDir, "storage")
	}
	if env.LogDB == "" {
		env.LogDB = filepath.Join(env.StorageDir, "logs.db")
	}

	if env.SDPPath == "" {
		return nil, ErrSDPPathMissing
	}
	if !filepath.IsAbs(env.SDPPath) {
		env.SDPPath = filepath.Join(env.ConfigDir, env.SDPPath)
	}
	if env.MaxPacketSize < 12 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPacketSize, env.MaxPacketSize)
	}
	if env.APIUser != "" && env.APIPasswordHash == "" {
		return nil, ErrPasswordHashEmpty
	}

	if !filepath.IsAbs(env.StorageDir) {
		return nil, fmt.Errorf("storageDir '%v': %w", env.StorageDir, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.LogDB) {
		return nil, fmt.Errorf("logDB '%v': %w", env.LogDB, ErrPathNotAbsolute)
	}

	return &env, nil
}

// ReadConfigEnv reads and parses the file at envPath.
func ReadConfigEnv(envPath string) (*ConfigEnv, error) {
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return nil, fmt.Errorf("read env.yaml: %w", err)
	}
	return NewConfigEnv(envPath, envYAML)
}

// RecordingsDir return recordings directory.
func (env ConfigEnv) RecordingsDir() string {
	return filepath.Join(env.StorageDir, "recordings")
}

// AuthEnabled returns true if the HTTP API requires basic auth.
func (env ConfigEnv) AuthEnabled() bool {
	return env.APIUser != ""
}

// PrepareEnvironment prepares directories.
func (env ConfigEnv) PrepareEnvironment() error {
	err := os.MkdirAll(env.RecordingsDir(), 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create recordings directory: %v: %w", env.StorageDir, err)
	}

	err = os.MkdirAll(filepath.Dir(env.LogDB), 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create log directory: %w", err)
	}
	return nil
}
