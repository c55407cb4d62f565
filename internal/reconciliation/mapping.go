// Package reconciliation wires the opportunity reconciliation module:
// mapping configuration, service construction and route registration.
package reconciliation

import (
	_ "embed"
	"fmt"
	"os"

	"maklerportal_backend/internal/reconciliation/domain"

	"gopkg.in/yaml.v3"
)

//go:embed stagemap.yaml
var defaultMappingYAML []byte

type mappingFile struct {
	Stages     map[string]string `yaml:"stages"`
	OwnAccount struct {
		ContactIDs []string `yaml:"contact_ids"`
		Emails     []string `yaml:"emails"`
	} `yaml:"own_account"`
}

// Mapping is the immutable per-environment configuration of the engine: the
// stage-label table and the own-account exclusion lists. It is built once
// and passed into the orchestrator explicitly.
type Mapping struct {
	StageMap      domain.StageMap
	OwnContactIDs map[string]struct{}
	OwnEmails     map[string]struct{}
}

// LoadMapping reads the mapping configuration from path, or the embedded
// default when path is empty.
func LoadMapping(path string) (Mapping, error) {
	raw := defaultMappingYAML
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Mapping{}, fmt.Errorf("read stage map %s: %w", path, err)
		}
		raw = data
	}

	var file mappingFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Mapping{}, fmt.Errorf("parse stage map: %w", err)
	}

	entries := make(map[string]domain.FunnelStage, len(file.Stages))
	for label, stage := range file.Stages {
		target := domain.FunnelStage(stage)
		if !target.IsKnown() {
			return Mapping{}, fmt.Errorf("stage map entry %q targets unknown funnel stage %q", label, stage)
		}
		entries[label] = target
	}

	mapping := Mapping{
		StageMap:      domain.NewStageMap(entries),
		OwnContactIDs: make(map[string]struct{}, len(file.OwnAccount.ContactIDs)),
		OwnEmails:     make(map[string]struct{}, len(file.OwnAccount.Emails)),
	}
	for _, id := range file.OwnAccount.ContactIDs {
		mapping.OwnContactIDs[id] = struct{}{}
	}
	for _, email := range file.OwnAccount.Emails {
		if key := domain.EmailKey(email); key != "" {
			mapping.OwnEmails[key] = struct{}{}
		}
	}

	return mapping, nil
}
