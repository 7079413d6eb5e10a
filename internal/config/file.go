package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the optional YAML configuration.
type File struct {
	Devices   []Device  `yaml:"devices"`
	Dynamic   Dynamic   `yaml:"dynamic"`
	Transcode Transcode `yaml:"transcode"`
	Lineup    []Channel `yaml:"lineup"`
}

// Device is an HTTP capture device. URLs contain %c% where the channel
// number goes.
type Device struct {
	Name           string        `yaml:"name"`
	StreamURL      string        `yaml:"streamURL"`
	TuneURL        string        `yaml:"tuneURL"`
	PadChannel     int           `yaml:"padChannel"`
	Consumer       string        `yaml:"consumer"`
	OfflineTimeout time.Duration `yaml:"offlineTimeout"`
}

// Dynamic configures the dynamic consumer. Rules map a consumer name to a
// comma separated list of channels and ranges, e.g. "2-13,45".
type Dynamic struct {
	Default string            `yaml:"default"`
	Rules   map[string]string `yaml:"rules"`
}

type Transcode struct {
	Profiles map[string][]string `yaml:"profiles"`
}

type Channel struct {
	Number  string `yaml:"number"`
	Name    string `yaml:"name"`
	Program int    `yaml:"program"`
}

// ReadFile parses and validates the YAML file at path.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, rejecting unknown fields.
func Parse(data []byte) (*File, error) {
	f := &File{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) validate() error {
	var errs []error
	names := make(map[string]bool, len(f.Devices))
	for i, d := range f.Devices {
		switch {
		case d.Name == "":
			errs = append(errs, fmt.Errorf("devices[%d]: missing name", i))
		case names[d.Name]:
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate name %q", i, d.Name))
		}
		names[d.Name] = true
		if d.StreamURL == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: missing streamURL", i))
		}
	}
	for name, args := range f.Transcode.Profiles {
		if len(args) == 0 {
			errs = append(errs, fmt.Errorf("transcode profile %q has no arguments", name))
		}
	}
	for i, ch := range f.Lineup {
		if ch.Number == "" {
			errs = append(errs, fmt.Errorf("lineup[%d]: missing number", i))
		}
	}
	return errors.Join(errs...)
}
