// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestration

import (
	"slices"
	"time"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/envfile"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/health"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/stack"
)

// DataKey names one field of Data.
type DataKey string

const (
	KeyRepoPath      DataKey = "repoPath"
	KeyPortOverrides DataKey = "portOverrides"
	KeyServices      DataKey = "services"
	KeyDocker        DataKey = "docker"
	KeySummary       DataKey = "summary"
	KeyRound         DataKey = "round"
	KeyStopMode      DataKey = "stopMode"
	KeyReady         DataKey = "ready"
	KeySetupMode     DataKey = "setupMode"
	KeyEnvFiles      DataKey = "envFiles"
	KeyPrerequisites DataKey = "prerequisites"
)

// Round identifies one status probe round.
type Round struct {
	// Number counts rounds from 1 within one invocation.
	Number int

	// ID is unique per round and is used as the trace attribute.
	ID string

	CheckedAt time.Time
}

// Prerequisite is the result of checking one required tool.
type Prerequisite struct {
	Name     string
	Required bool
	Found    bool
	Version  string
	Detail   string
}

// Data is the auxiliary data flows accumulate while they run.
//
// # Description
//
// Fields are written only through Field handles, which also mark the key
// present. Keys are never removed; a later write overwrites the value.
// Readers use Has to tell "never set" from a zero value.
type Data struct {
	RepoPath      string
	PortOverrides stack.PortOverrides
	Services      []health.ServiceHealth
	Docker        health.DockerStatus
	Summary       string
	Round         Round
	StopMode      StopMode
	Ready         bool
	SetupMode     string
	EnvFiles      []envfile.Result
	Prerequisites []Prerequisite

	present map[DataKey]struct{}
}

// Has reports whether key has been set.
func (d Data) Has(key DataKey) bool {
	_, ok := d.present[key]
	return ok
}

// Keys returns the keys set so far, sorted.
func (d Data) Keys() []DataKey {
	keys := make([]DataKey, 0, len(d.present))
	for k := range d.present {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (d Data) clone() Data {
	c := d
	c.PortOverrides = d.PortOverrides.Clone()
	c.Services = slices.Clone(d.Services)
	c.Prerequisites = slices.Clone(d.Prerequisites)
	if d.EnvFiles != nil {
		c.EnvFiles = make([]envfile.Result, len(d.EnvFiles))
		for i, r := range d.EnvFiles {
			r.Applied = slices.Clone(r.Applied)
			c.EnvFiles[i] = r
		}
	}
	c.present = make(map[DataKey]struct{}, len(d.present))
	for k := range d.present {
		c.present[k] = struct{}{}
	}
	return c
}

// =============================================================================
// Typed Field Handles
// =============================================================================

// DataUpdate is a pending write of one Data key. Create one with a Field's
// Set and apply it with Machine.UpdateData.
type DataUpdate struct {
	key   DataKey
	apply func(*Data)
}

// Key returns the key the update writes.
func (u DataUpdate) Key() DataKey {
	return u.key
}

// Field is a typed handle on one Data key.
type Field[T any] struct {
	key DataKey
	get func(*Data) T
	set func(*Data, T)
}

// Key returns the field's key.
func (f Field[T]) Key() DataKey {
	return f.key
}

// Set returns an update writing v.
//
// # Example
//
//	m.UpdateData(orchestration.StopModeField.Set(orchestration.StopModeSafe))
func (f Field[T]) Set(v T) DataUpdate {
	return DataUpdate{key: f.key, apply: func(d *Data) { f.set(d, v) }}
}

// Get reads the field from d. ok is false when the key was never set.
func (f Field[T]) Get(d Data) (v T, ok bool) {
	return f.get(&d), d.Has(f.key)
}

var (
	RepoPathField = Field[string]{KeyRepoPath,
		func(d *Data) string { return d.RepoPath },
		func(d *Data, v string) { d.RepoPath = v }}

	PortOverridesField = Field[stack.PortOverrides]{KeyPortOverrides,
		func(d *Data) stack.PortOverrides { return d.PortOverrides },
		func(d *Data, v stack.PortOverrides) { d.PortOverrides = v.Clone() }}

	ServicesField = Field[[]health.ServiceHealth]{KeyServices,
		func(d *Data) []health.ServiceHealth { return d.Services },
		func(d *Data, v []health.ServiceHealth) { d.Services = slices.Clone(v) }}

	DockerField = Field[health.DockerStatus]{KeyDocker,
		func(d *Data) health.DockerStatus { return d.Docker },
		func(d *Data, v health.DockerStatus) { d.Docker = v }}

	SummaryField = Field[string]{KeySummary,
		func(d *Data) string { return d.Summary },
		func(d *Data, v string) { d.Summary = v }}

	RoundField = Field[Round]{KeyRound,
		func(d *Data) Round { return d.Round },
		func(d *Data, v Round) { d.Round = v }}

	StopModeField = Field[StopMode]{KeyStopMode,
		func(d *Data) StopMode { return d.StopMode },
		func(d *Data, v StopMode) { d.StopMode = v }}

	ReadyField = Field[bool]{KeyReady,
		func(d *Data) bool { return d.Ready },
		func(d *Data, v bool) { d.Ready = v }}

	SetupModeField = Field[string]{KeySetupMode,
		func(d *Data) string { return d.SetupMode },
		func(d *Data, v string) { d.SetupMode = v }}

	EnvFilesField = Field[[]envfile.Result]{KeyEnvFiles,
		func(d *Data) []envfile.Result { return d.EnvFiles },
		func(d *Data, v []envfile.Result) { d.EnvFiles = slices.Clone(v) }}

	PrerequisitesField = Field[[]Prerequisite]{KeyPrerequisites,
		func(d *Data) []Prerequisite { return d.Prerequisites },
		func(d *Data, v []Prerequisite) { d.Prerequisites = slices.Clone(v) }}
)
