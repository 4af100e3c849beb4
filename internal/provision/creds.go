package provision

import (
	"encoding/json"
	"fmt"
	"os"
)

// Credentials is one provider account's API secret pair, the same shape the
// Kaggle CLI stores in kaggle.json.
type Credentials struct {
	Username string `json:"username"`
	Key      string `json:"key"`
}

// CredentialProvider looks up account credentials. A nil result with nil
// error means the account simply is not configured, which callers treat as
// a refusal, not a failure.
type CredentialProvider interface {
	Get(accountRef string) (*Credentials, error)
}

// FileCredentials reads credentials from a JSON file mapping account refs to
// secret pairs, falling back to the KAGGLE_USERNAME/KAGGLE_KEY environment
// variables the official CLI uses. The file is re-read on every lookup so
// rotated secrets take effect without a restart.
type FileCredentials struct {
	path string
}

// NewFileCredentials builds a provider over the given file. An empty path
// leaves only the environment fallback.
func NewFileCredentials(path string) *FileCredentials {
	return &FileCredentials{path: path}
}

func (f *FileCredentials) Get(accountRef string) (*Credentials, error) {
	if f.path != "" {
		data, err := os.ReadFile(f.path)
		switch {
		case os.IsNotExist(err):
			// Fall through to the environment.
		case err != nil:
			return nil, fmt.Errorf("provision: read credentials %s: %w", f.path, err)
		default:
			var accounts map[string]Credentials
			if err := json.Unmarshal(data, &accounts); err != nil {
				return nil, fmt.Errorf("provision: parse credentials %s: %w", f.path, err)
			}
			if c, ok := accounts[accountRef]; ok {
				return &c, nil
			}
		}
	}

	username, key := os.Getenv("KAGGLE_USERNAME"), os.Getenv("KAGGLE_KEY")
	if username != "" && key != "" {
		return &Credentials{Username: username, Key: key}, nil
	}
	return nil, nil
}
