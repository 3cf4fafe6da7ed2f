package registry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rogers-f/signoff/internal/domain"
)

// definitionsFile is the on-disk layout of a definitions file:
//
//	workflows:
//	  - id: discount-large
//	    name: Large discount sign-off
//	    type: discount
//	    trigger_conditions:
//	      - {field: discount_pct, operator: ">", value: 20}
//	    stages:
//	      - order: 1
//	        name: Sales manager
//	        approvers: [{id: mgr-1, role: sales_manager}]
//	        escalation_window: 4h
//	        escalate_to: vp-sales
type definitionsFile struct {
	Workflows []domain.WorkflowDefinition `yaml:"workflows"`
}

// activeFlags recovers whether "active" was written at all, since a
// definition that omits it is published active.
type activeFlags struct {
	Workflows []struct {
		Active *bool `yaml:"active"`
	} `yaml:"workflows"`
}

// LoadFile reads and validates a definitions file. Every invalid definition
// is reported; nothing is returned unless the whole file is valid.
func LoadFile(path string) ([]domain.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates definitions from YAML.
func Parse(data []byte) ([]domain.WorkflowDefinition, error) {
	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, domain.ErrInvalidDefinition.Detail("parse: %v", err)
	}
	var flags activeFlags
	if err := yaml.Unmarshal(data, &flags); err != nil {
		return nil, domain.ErrInvalidDefinition.Detail("parse: %v", err)
	}

	var problems []string
	seen := make(map[string]bool)
	for i := range file.Workflows {
		d := &file.Workflows[i]
		if i < len(flags.Workflows) && flags.Workflows[i].Active == nil {
			d.Active = true
		}
		d.Normalize()
		if err := d.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("workflows[%d]: %v", i, err))
			continue
		}
		if seen[d.ID] {
			problems = append(problems, fmt.Sprintf("workflows[%d]: duplicate id %s", i, d.ID))
		}
		seen[d.ID] = true
	}

	if len(problems) > 0 {
		return nil, domain.ErrInvalidDefinition.Detail("%s", strings.Join(problems, "; "))
	}
	return file.Workflows, nil
}
