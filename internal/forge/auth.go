package forge

import (
	"os"
	"strings"

	margeerrors "github.com/randalmurphal/marge/internal/errors"
)

// LoadToken reads the forge authentication token from a file. Per spec §6
// the token is loaded from disk, never the command line or an environment
// variable — it is read once, trimmed of surrounding whitespace, and never
// logged.
func LoadToken(path string) (string, error) {
	if path == "" {
		return "", margeerrors.ErrConfigMissing("token-file")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", margeerrors.ErrAuthInvalid("cannot read token file: " + err.Error())
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", margeerrors.ErrAuthInvalid("token file is empty: " + path)
	}
	return token, nil
}
