package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fsbench/FSBench/fleet"
	"github.com/mitchellh/mapstructure"
)

// DefaultInstanceType is the free-tier type fleet entries default to.
const DefaultInstanceType = "t2.micro"

// DefaultFleet is the built-in fleet: one free-tier instance per supported
// distribution. The image IDs are bound to eu-central-1.
func DefaultFleet() []fleet.InstanceSpec {
	return []fleet.InstanceSpec{
		{Name: "amazon-linux-2", ImageID: "ami-05ff5eaef6149df49", InstanceType: DefaultInstanceType, Username: "ec2-user"},
		{Name: "rhel-8", ImageID: "ami-0e7e134863fac4946", InstanceType: DefaultInstanceType, Username: "ec2-user"},
		{Name: "ubuntu-22-04", ImageID: "ami-0caef02b518350c8b", InstanceType: DefaultInstanceType, Username: "ubuntu"},
	}
}

// LoadFleetFile reads a JSON fleet file: a list of objects with Name,
// ImageID and Username, plus an optional InstanceType. Entries are decoded
// one at a time so a bad entry is reported by position.
func LoadFleetFile(path string) ([]fleet.InstanceSpec, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fleet file: %w", err)
	}
	var entries []map[string]any
	if err := json.Unmarshal(buf, &entries); err != nil {
		return nil, fmt.Errorf("parsing fleet file %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("fleet file %s lists no instances", path)
	}
	specs := make([]fleet.InstanceSpec, 0, len(entries))
	for i, entry := range entries {
		var spec fleet.InstanceSpec
		if err := mapstructure.Decode(entry, &spec); err != nil {
			return nil, fmt.Errorf("fleet file entry %d: %w", i, err)
		}
		if spec.Name == "" {
			return nil, fmt.Errorf("fleet file entry %d: Name is required", i)
		}
		if spec.ImageID == "" {
			return nil, fmt.Errorf("fleet file entry %d: ImageID is required", i)
		}
		if spec.Username == "" {
			return nil, fmt.Errorf("fleet file entry %d: Username is required", i)
		}
		if spec.InstanceType == "" {
			spec.InstanceType = DefaultInstanceType
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
