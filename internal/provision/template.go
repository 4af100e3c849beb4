package provision

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/fillipeguerrabtc/gpuplane/internal/config"
	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// builtinTemplate is the fallback worker notebook body: open a tunnel,
// register with the control plane, heartbeat every 30 seconds.
const builtinTemplate = `# gpuplane worker bootstrap
import os, subprocess, sys, time

subprocess.run([sys.executable, "-m", "pip", "install", "-q",
    "requests", "pyngrok"], check=True)

import requests
from pyngrok import ngrok

BACKEND_URL = "{{BACKEND_URL}}"
WORKER_ID = "{{WORKER_ID}}"
PROVIDER = "{{PROVIDER}}"

tunnel = ngrok.connect(8000, "http")
print("tunnel:", tunnel.public_url)

resp = requests.post(f"{BACKEND_URL}/api/gpu/workers/register", json={
    "workerId": WORKER_ID,
    "provider": PROVIDER,
    "ngrokUrl": tunnel.public_url,
    "capabilities": {"gpu": os.environ.get("GPU_TYPE", "unknown")},
}, timeout=10)
resp.raise_for_status()
print("registered:", resp.json())

started = time.time()
while True:
    try:
        requests.post(
            f"{BACKEND_URL}/api/gpu/workers/{WORKER_ID}/heartbeat",
            json={"uptimeSeconds": int(time.time() - started)},
            timeout=10,
        )
    except Exception as exc:
        print("heartbeat failed:", exc)
    time.sleep(30)
`

// TemplateSource resolves the worker notebook template body.
type TemplateSource struct {
	cfg config.TemplateConfig
}

// NewTemplateSource builds a source over template configuration.
func NewTemplateSource(cfg config.TemplateConfig) *TemplateSource {
	return &TemplateSource{cfg: cfg}
}

// Fetch returns the template text: the configured GitHub file when set, else
// the local path, else the built-in body. Fetch never fails; an unreachable
// source is logged and the next fallback used, so a GitHub outage cannot
// block provisioning.
func (t *TemplateSource) Fetch(ctx context.Context) string {
	if g := t.cfg.GitHub; g.Owner != "" && g.Repo != "" && g.Path != "" {
		body, err := fetchGitHub(ctx, g)
		if err == nil {
			return body
		}
		log.Printf("provision: template from github %s/%s: %v (falling back)", g.Owner, g.Repo, err)
	}
	if t.cfg.Path != "" {
		data, err := os.ReadFile(t.cfg.Path)
		if err == nil {
			return string(data)
		}
		log.Printf("provision: template file %s: %v (falling back)", t.cfg.Path, err)
	}
	return builtinTemplate
}

func fetchGitHub(ctx context.Context, cfg config.TemplateGitHubConfig) (string, error) {
	var hc *http.Client
	if cfg.Token != "" {
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	}
	file, _, _, err := github.NewClient(hc).Repositories.GetContents(ctx,
		cfg.Owner, cfg.Repo, cfg.Path,
		&github.RepositoryContentGetOptions{Ref: cfg.Ref})
	if err != nil {
		return "", err
	}
	if file == nil {
		return "", fmt.Errorf("%s is a directory, not a template file", cfg.Path)
	}
	return file.GetContent()
}

// Render injects the control-plane coordinates into a template body.
func Render(template, backendURL, workerID, provider string) string {
	return strings.NewReplacer(
		"{{BACKEND_URL}}", backendURL,
		"{{WORKER_ID}}", workerID,
		"{{PROVIDER}}", provider,
	).Replace(template)
}
