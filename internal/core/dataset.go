package core

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Device is an inventory record supplied by the dataset provider.
type Device struct {
	ID        string  `json:"id" yaml:"id"`
	Hostname  string  `json:"hostname" yaml:"hostname"`
	Owner     string  `json:"owner" yaml:"owner"`
	OS        string  `json:"os" yaml:"os"`
	RiskScore float64 `json:"risk_score" yaml:"risk_score"`
}

// Case is an incident case record supplied by the dataset provider.
type Case struct {
	ID              string   `json:"id" yaml:"id"`
	Title           string   `json:"title" yaml:"title"`
	Severity        string   `json:"severity" yaml:"severity"`
	Status          string   `json:"status" yaml:"status"`
	AffectedDevices []string `json:"affected_devices" yaml:"affected_devices"`
	AffectedUsers   []string `json:"affected_users" yaml:"affected_users"`
}

// Dataset is the read-only inventory the engine runs against. The engine
// never loads or mutates it itself.
type Dataset interface {
	Device(id string) (Device, bool)
	Devices() []Device
	Case(id string) (Case, bool)
	Playbook(id string) (PlaybookDefinition, bool)
	Playbooks() []PlaybookDefinition
	Users() []string
}

// StaticDataset is an in-memory Dataset.
type StaticDataset struct {
	devices   map[string]Device
	cases     map[string]Case
	playbooks map[string]PlaybookDefinition
	users     []string
}

// datasetFile is the on-disk layout accepted by LoadDataset.
type datasetFile struct {
	Devices   []Device             `yaml:"devices"`
	Cases     []Case               `yaml:"cases"`
	Playbooks []PlaybookDefinition `yaml:"playbooks"`
	Users     []string             `yaml:"users"`
}

// NewStaticDataset indexes the given records by id.
func NewStaticDataset(devices []Device, cases []Case, playbooks []PlaybookDefinition, users []string) *StaticDataset {
	ds := &StaticDataset{
		devices:   make(map[string]Device, len(devices)),
		cases:     make(map[string]Case, len(cases)),
		playbooks: make(map[string]PlaybookDefinition, len(playbooks)),
		users:     append([]string(nil), users...),
	}
	for _, d := range devices {
		ds.devices[d.ID] = d
	}
	for _, c := range cases {
		ds.cases[c.ID] = c
	}
	for _, p := range playbooks {
		ds.playbooks[p.ID] = p
	}
	return ds
}

// LoadDataset reads a YAML dataset file.
func LoadDataset(path string) (*StaticDataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset file: %w", err)
	}
	var f datasetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing dataset file: %w", err)
	}
	for _, c := range f.Cases {
		for _, id := range c.AffectedDevices {
			found := false
			for _, d := range f.Devices {
				if d.ID == id {
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("case %q references unknown device %q", c.ID, id)
			}
		}
	}
	return NewStaticDataset(f.Devices, f.Cases, f.Playbooks, f.Users), nil
}

func (ds *StaticDataset) Device(id string) (Device, bool) {
	d, ok := ds.devices[id]
	return d, ok
}

func (ds *StaticDataset) Devices() []Device {
	out := make([]Device, 0, len(ds.devices))
	for _, d := range ds.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (ds *StaticDataset) Case(id string) (Case, bool) {
	c, ok := ds.cases[id]
	return c, ok
}

func (ds *StaticDataset) Playbook(id string) (PlaybookDefinition, bool) {
	p, ok := ds.playbooks[id]
	return p, ok
}

func (ds *StaticDataset) Playbooks() []PlaybookDefinition {
	out := make([]PlaybookDefinition, 0, len(ds.playbooks))
	for _, p := range ds.playbooks {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (ds *StaticDataset) Users() []string {
	return append([]string(nil), ds.users...)
}
