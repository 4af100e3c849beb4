// Package provision launches remote notebook kernels. Kaggle exposes a
// kernels push API, so its workers deploy unattended; Colab has no such API,
// so its provisioner prepares the notebook handoff and alerts an operator.
// Either way the kernel self-registers with the control plane once it boots,
// and that callback is what carries its reachable URL.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fillipeguerrabtc/gpuplane/internal/models"
	"github.com/fillipeguerrabtc/gpuplane/internal/reservation"
)

const defaultKaggleAPI = "https://www.kaggle.com/api/v1"

// KaggleProvisioner pushes a parameterized worker notebook through the
// Kaggle kernels API: private, GPU on, internet on, exactly the metadata the
// worker needs to reach back.
type KaggleProvisioner struct {
	creds      CredentialProvider
	templates  *TemplateSource
	backendURL string
	apiBase    string
	client     *http.Client
}

// NewKaggle builds the Kaggle provisioner. backendURL is the address workers
// register against, injected into the pushed notebook.
func NewKaggle(creds CredentialProvider, templates *TemplateSource, backendURL string) *KaggleProvisioner {
	return &KaggleProvisioner{
		creds:      creds,
		templates:  templates,
		backendURL: backendURL,
		apiBase:    defaultKaggleAPI,
		client:     &http.Client{Timeout: 60 * time.Second},
	}
}

// kernelPush is the Kaggle kernels push request body.
type kernelPush struct {
	Slug                   string   `json:"slug"`
	NewTitle               string   `json:"newTitle"`
	Text                   string   `json:"text"`
	Language               string   `json:"language"`
	KernelType             string   `json:"kernelType"`
	IsPrivate              bool     `json:"isPrivate"`
	EnableGPU              bool     `json:"enableGpu"`
	EnableInternet         bool     `json:"enableInternet"`
	DatasetDataSources     []string `json:"datasetDataSources"`
	CompetitionDataSources []string `json:"competitionDataSources"`
	KernelDataSources      []string `json:"kernelDataSources"`
}

type kernelPushResponse struct {
	Ref           string `json:"ref"`
	URL           string `json:"url"`
	VersionNumber int64  `json:"versionNumber"`
	Error         string `json:"error"`
}

// Launch renders the worker notebook and pushes it as a new kernel version.
// The returned result carries no endpoint URL; the kernel reports its tunnel
// address itself when it registers.
func (k *KaggleProvisioner) Launch(ctx context.Context, w *models.Worker) (*reservation.LaunchResult, error) {
	creds, err := k.creds.Get(w.AccountID)
	if err != nil {
		return nil, fmt.Errorf("provision: kaggle credentials: %w", err)
	}
	if creds == nil || creds.Username == "" || creds.Key == "" {
		return nil, fmt.Errorf("provision: no kaggle credentials for account %q: %w",
			w.AccountID, reservation.ErrNotConfigured)
	}

	body := Render(k.templates.Fetch(ctx), k.backendURL, w.ID, w.Provider)
	notebook, err := notebookJSON(body)
	if err != nil {
		return nil, fmt.Errorf("provision: build notebook: %w", err)
	}

	slug := creds.Username + "/gpuplane-worker-" + strings.ToLower(w.ID)
	push := kernelPush{
		Slug:                   slug,
		NewTitle:               "gpuplane worker " + w.ID,
		Text:                   notebook,
		Language:               "python",
		KernelType:             "notebook",
		IsPrivate:              true,
		EnableGPU:              true,
		EnableInternet:         true,
		DatasetDataSources:     []string{},
		CompetitionDataSources: []string{},
		KernelDataSources:      []string{},
	}

	encoded, err := json.Marshal(push)
	if err != nil {
		return nil, fmt.Errorf("provision: encode push: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		k.apiBase+"/kernels/push", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("provision: kaggle push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(creds.Username, creds.Key)

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provision: kaggle push: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("provision: read kaggle response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provision: kaggle push: %s: %s",
			resp.Status, strings.TrimSpace(string(respBody)))
	}

	var out kernelPushResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("provision: parse kaggle response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("provision: kaggle push rejected: %s", out.Error)
	}

	externalID := out.Ref
	if externalID == "" {
		externalID = slug
	}
	return &reservation.LaunchResult{ExternalID: externalID}, nil
}

// notebookJSON wraps a script body as a one-cell nbformat 4 notebook, the
// shape the kernels API expects in the push text field.
func notebookJSON(body string) (string, error) {
	lines := strings.SplitAfter(body, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	notebook := map[string]interface{}{
		"cells": []map[string]interface{}{{
			"cell_type":       "code",
			"execution_count": nil,
			"metadata":        map[string]interface{}{},
			"outputs":         []interface{}{},
			"source":          lines,
		}},
		"metadata": map[string]interface{}{
			"kernelspec": map[string]interface{}{
				"display_name": "Python 3",
				"language":     "python",
				"name":         "python3",
			},
			"language_info": map[string]interface{}{
				"name": "python",
			},
		},
		"nbformat":       4,
		"nbformat_minor": 4,
	}

	encoded, err := json.Marshal(notebook)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
