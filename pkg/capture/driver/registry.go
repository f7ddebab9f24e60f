package driver

import (
	"context"
	"fmt"
	"sort"

	"github.com/probelab/devcheck/pkg/capture"
)

// AudioBackend creates and enumerates audio sources for one driver.
type AudioBackend struct {
	New  func(deviceID string) (AudioSource, error)
	List func(ctx context.Context) ([]capture.DeviceInfo, error)
}

// FrameBackend creates and enumerates cameras for one driver.
type FrameBackend struct {
	New  func(deviceID string) (FrameSource, error)
	List func(ctx context.Context) ([]capture.DeviceInfo, error)
}

// Registry maps backend names to drivers. It is built once at wiring
// time and passed explicitly to whoever needs to resolve a backend;
// there is no ambient global.
type Registry struct {
	audio map[string]AudioBackend
	frame map[string]FrameBackend
}

func NewRegistry() *Registry {
	return &Registry{
		audio: make(map[string]AudioBackend),
		frame: make(map[string]FrameBackend),
	}
}

func (r *Registry) RegisterAudio(name string, b AudioBackend) {
	r.audio[name] = b
}

func (r *Registry) RegisterFrame(name string, b FrameBackend) {
	r.frame[name] = b
}

// Audio resolves an audio backend by name.
func (r *Registry) Audio(name string) (AudioBackend, error) {
	b, ok := r.audio[name]
	if !ok {
		return AudioBackend{}, fmt.Errorf("unknown audio backend %q, have %v", name, r.AudioNames())
	}
	return b, nil
}

// Frame resolves a camera backend by name.
func (r *Registry) Frame(name string) (FrameBackend, error) {
	b, ok := r.frame[name]
	if !ok {
		return FrameBackend{}, fmt.Errorf("unknown camera backend %q, have %v", name, r.FrameNames())
	}
	return b, nil
}

func (r *Registry) AudioNames() []string {
	names := make([]string, 0, len(r.audio))
	for name := range r.audio {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) FrameNames() []string {
	names := make([]string, 0, len(r.frame))
	for name := range r.frame {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
