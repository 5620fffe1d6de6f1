package compose

import (
	"github.com/dockvault/dockvault/internal/models"
)

// BuildDefinition derives a stack definition from a manifest: per
// service, the image, the declared container-side volume destinations in
// manifest order, and any inline environment overrides. The definition
// is what decides which paths a stack backup captures.
func BuildDefinition(name, composeText string, envVars map[string]string, envFile string) (*models.StackDefinition, error) {
	m, err := Parse([]byte(composeText))
	if err != nil {
		return nil, err
	}

	services := make(map[string]models.ServiceSpec, len(m.Services))
	for svcName, svc := range m.Services {
		spec := models.ServiceSpec{Image: svc.Image}
		for _, vol := range svc.Volumes {
			if vol.Target != "" {
				spec.Volumes = append(spec.Volumes, vol.Target)
			}
		}
		if len(svc.Environment) > 0 {
			spec.Env = map[string]string(svc.Environment)
		}
		services[svcName] = spec
	}

	return &models.StackDefinition{
		Name:     name,
		Compose:  composeText,
		EnvVars:  envVars,
		EnvFile:  envFile,
		Services: services,
	}, nil
}
