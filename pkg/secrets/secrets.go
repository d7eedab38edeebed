// Package secrets separates confidential connector access data from batch
// and experiment documents before they reach persistence, and fills it back
// in right before a batch is handed to a node. Persistence only ever sees
// opaque uuid handles; the values live in the trustee.
package secrets

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/curious-containers/agency/pkg/types"
)

// connectorAccess returns the connector map of an input/output value, or nil
// if the value is a scalar or carries no connector.
func connectorAccess(val any) map[string]any {
	m, ok := val.(map[string]any)
	if !ok {
		return nil
	}
	connector, ok := m["connector"].(map[string]any)
	if !ok {
		return nil
	}
	return connector
}

// deepCopyBatch clones a batch through JSON so connector maps are not shared
// with the caller.
func deepCopyBatch(batch *types.Batch) (*types.Batch, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("copy batch %s: %w", batch.ID, err)
	}
	var out types.Batch
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("copy batch %s: %w", batch.ID, err)
	}
	return &out, nil
}

// SeparateBatchSecrets replaces every connector access value of the batch
// with a fresh uuid handle and returns the modified copy together with the
// extracted handle→value mapping. Identical access values share one handle.
func SeparateBatchSecrets(batch *types.Batch) (*types.Batch, map[string]any, error) {
	out, err := deepCopyBatch(batch)
	if err != nil {
		return nil, nil, err
	}

	extracted := map[string]any{}
	dedup := map[string]string{} // canonical JSON -> handle

	for _, io := range []map[string]any{out.Inputs, out.Outputs} {
		for _, val := range io {
			connector := connectorAccess(val)
			if connector == nil {
				continue
			}
			access, ok := connector["access"]
			if !ok {
				continue
			}
			canonical, err := json.Marshal(access)
			if err != nil {
				return nil, nil, fmt.Errorf("separate secrets of batch %s: %w", batch.ID, err)
			}
			key, ok := dedup[string(canonical)]
			if !ok {
				key = uuid.New().String()
				dedup[string(canonical)] = key
				extracted[key] = access
			}
			connector["access"] = key
		}
	}

	return out, extracted, nil
}

// SeparateExperimentSecrets extracts the image auth of the experiment, if
// any, behind a uuid handle.
func SeparateExperimentSecrets(experiment *types.Experiment) (*types.Experiment, map[string]any, error) {
	out := *experiment
	extracted := map[string]any{}

	if out.Container.Settings.Image.Auth != nil {
		key := uuid.New().String()
		extracted[key] = out.Container.Settings.Image.Auth
		out.Container.Settings.Image.Auth = key
	}

	return &out, extracted, nil
}

// BatchSecretKeys lists the uuid handles referenced by the batch's
// connectors.
func BatchSecretKeys(batch *types.Batch) []string {
	var keys []string
	for _, io := range []map[string]any{batch.Inputs, batch.Outputs} {
		for _, val := range io {
			connector := connectorAccess(val)
			if connector == nil {
				continue
			}
			if key, ok := connector["access"].(string); ok {
				keys = append(keys, key)
			}
		}
	}
	return keys
}

// ExperimentSecretKeys lists the uuid handles referenced by the experiment.
func ExperimentSecretKeys(experiment *types.Experiment) []string {
	if key, ok := experiment.Container.Settings.Image.Auth.(string); ok && key != "" {
		return []string{key}
	}
	return nil
}

// FillBatchSecrets substitutes collected secret values back into a copy of
// the batch. Every referenced handle must be present in the mapping.
func FillBatchSecrets(batch *types.Batch, collected map[string]any) (*types.Batch, error) {
	out, err := deepCopyBatch(batch)
	if err != nil {
		return nil, err
	}

	for _, io := range []map[string]any{out.Inputs, out.Outputs} {
		for cwlKey, val := range io {
			connector := connectorAccess(val)
			if connector == nil {
				continue
			}
			key, ok := connector["access"].(string)
			if !ok {
				continue
			}
			secret, ok := collected[key]
			if !ok {
				return nil, fmt.Errorf("batch %s: no collected secret for connector %s", batch.ID, cwlKey)
			}
			connector["access"] = secret
		}
	}

	return out, nil
}

// FillExperimentSecrets substitutes the collected image auth back into a
// copy of the experiment.
func FillExperimentSecrets(experiment *types.Experiment, collected map[string]any) (*types.Experiment, error) {
	out := *experiment
	key, ok := out.Container.Settings.Image.Auth.(string)
	if !ok || key == "" {
		return &out, nil
	}
	secret, ok := collected[key]
	if !ok {
		return nil, fmt.Errorf("experiment %s: no collected secret for image auth", experiment.ID)
	}
	out.Container.Settings.Image.Auth = secret
	return &out, nil
}

// ImageAuth interprets a filled image auth value as registry credentials.
func ImageAuth(image types.ImageSpec) (*types.RegistryAuth, error) {
	if image.Auth == nil {
		return nil, nil
	}
	m, ok := image.Auth.(map[string]any)
	if !ok {
		// Already typed, e.g. when constructed in process.
		if auth, ok := image.Auth.(*types.RegistryAuth); ok {
			return auth, nil
		}
		return nil, fmt.Errorf("image auth for %s is not filled", image.URL)
	}
	username, _ := m["username"].(string)
	password, _ := m["password"].(string)
	if username == "" {
		return nil, fmt.Errorf("image auth for %s lacks a username", image.URL)
	}
	return &types.RegistryAuth{Username: username, Password: password}, nil
}

// BatchNeedsMount reports whether any connector of the batch declares an
// in-container FUSE mount.
func BatchNeedsMount(batch *types.Batch) bool {
	for _, io := range []map[string]any{batch.Inputs, batch.Outputs} {
		for _, val := range io {
			connector := connectorAccess(val)
			if connector == nil {
				continue
			}
			if mount, ok := connector["mount"].(bool); ok && mount {
				return true
			}
		}
	}
	return false
}
