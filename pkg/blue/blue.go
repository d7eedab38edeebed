// Package blue prepares the self-contained job descriptor handed to the
// in-container agent: it collects the batch's secrets, translates the
// user-facing experiment description plus the filled batch into one concrete
// blue batch and packs it with the agent into an in-memory tar archive.
package blue

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/curious-containers/agency/pkg/embedded"
	"github.com/curious-containers/agency/pkg/secrets"
	"github.com/curious-containers/agency/pkg/trustee"
	"github.com/curious-containers/agency/pkg/types"
)

// Paths agreed with the in-container agent. The archive is extracted at the
// container root, so these are absolute.
const (
	Dir       = "/cc"
	AgentPath = "/cc/blue_agent.py"
	FilePath  = "/cc/blue_file.json"
)

// containerUID matches the unprivileged user the batch container runs as.
const containerUID = 1000

// Translate converts the experiment description plus one filled batch into
// blue batches. The result carries everything the agent needs; callers must
// treat any cardinality other than one as a programmer error.
func Translate(experiment *types.Experiment, batch *types.Batch) ([]map[string]any, error) {
	if experiment.CLI == nil {
		return nil, fmt.Errorf("experiment %s carries no command line description", experiment.ID)
	}

	blue := map[string]any{
		"batchId":      batch.ID,
		"experimentId": batch.ExperimentID,
		"cli":          experiment.CLI,
		"inputs":       batch.Inputs,
		"outputs":      batch.Outputs,
	}
	return []map[string]any{blue}, nil
}

// Prepare runs the full descriptor pipeline for one batch: collect secret
// handles from the trustee, fill them back into the connectors, translate to
// a single blue batch and pack the archive for put_archive.
//
// Errors are *types.Failure values: trustee outages surface as transient
// (inspect) failures, structural problems as non-retryable ones.
func Prepare(tc *trustee.Client, experiment *types.Experiment, batch *types.Batch) ([]byte, error) {
	collected := map[string]any{}
	if keys := secrets.BatchSecretKeys(batch); len(keys) > 0 {
		resp := tc.Collect(keys)
		if !resp.Success() {
			return nil, &types.Failure{
				DebugInfo:    resp.DebugInfo,
				DisableRetry: resp.DisableRetry,
				Inspect:      resp.Inspect,
			}
		}
		collected = resp.Collected
	}

	filled, err := secrets.FillBatchSecrets(batch, collected)
	if err != nil {
		return nil, types.NewFailure(err, true, false)
	}

	blues, err := Translate(experiment, filled)
	if err != nil {
		return nil, types.NewFailure(err, true, false)
	}
	if len(blues) != 1 {
		err := fmt.Errorf("translation of batch %s yielded %d blue batches, expected exactly one", batch.ID, len(blues))
		return nil, types.NewFailure(err, true, false)
	}

	archive, err := BuildArchive(blues[0])
	if err != nil {
		return nil, types.NewFailure(err, true, false)
	}
	return archive, nil
}

// BuildArchive serializes the blue batch and packs it with the embedded
// agent into a tar archive rooted at /.
func BuildArchive(blueBatch map[string]any) ([]byte, error) {
	blueFile, err := json.Marshal(blueBatch)
	if err != nil {
		return nil, fmt.Errorf("serialize blue batch: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	entries := []struct {
		header *tar.Header
		body   []byte
	}{
		{
			header: &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     "cc/",
				Mode:     0755,
				Uid:      containerUID,
				Gid:      containerUID,
				ModTime:  now,
			},
		},
		{
			header: &tar.Header{
				Typeflag: tar.TypeReg,
				Name:     "cc/blue_agent.py",
				Mode:     0755,
				Uid:      containerUID,
				Gid:      containerUID,
				ModTime:  now,
			},
			body: embedded.Agent(),
		},
		{
			header: &tar.Header{
				Typeflag: tar.TypeReg,
				Name:     "cc/blue_file.json",
				Mode:     0600,
				Uid:      containerUID,
				Gid:      containerUID,
				ModTime:  now,
			},
			body: blueFile,
		},
	}

	for _, entry := range entries {
		entry.header.Size = int64(len(entry.body))
		if err := tw.WriteHeader(entry.header); err != nil {
			return nil, fmt.Errorf("write archive header %s: %w", entry.header.Name, err)
		}
		if len(entry.body) > 0 {
			if _, err := tw.Write(entry.body); err != nil {
				return nil, fmt.Errorf("write archive entry %s: %w", entry.header.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseAgentResult interprets the agent's stdout. The last non-empty line
// must be a JSON object carrying a terminal state.
func ParseAgentResult(stdout []byte) (*types.AgentResult, error) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	if len(lines) == 0 {
		return nil, errors.New("agent produced no output")
	}
	last := bytes.TrimSpace(lines[len(lines)-1])
	if len(last) == 0 {
		return nil, errors.New("agent produced no output")
	}

	var result types.AgentResult
	if err := json.Unmarshal(last, &result); err != nil {
		return nil, fmt.Errorf("parse agent result: %w", err)
	}
	if result.State != string(types.BatchSucceeded) && result.State != string(types.BatchFailed) {
		return nil, fmt.Errorf("agent reported unknown state %q", result.State)
	}
	return &result, nil
}
