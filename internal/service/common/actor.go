//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"errors"
	"fmt"
	"os"
	"os/user"

	"github.com/oshokin/app-updater/internal/domain/release"
)

// usernameEnvKeys are consulted when the account database cannot be read.
var usernameEnvKeys = []string{"USER", "USERNAME", "LOGNAME"}

// DetectActor identifies the machine and account running the updater.
// The actor is always returned; fields that could not be detected stay empty
// and the error lists why.
func DetectActor() (*release.Actor, error) {
	var (
		actor = new(release.Actor)
		errs  []error
	)

	hostname, err := os.Hostname()
	if err != nil {
		errs = append(errs, fmt.Errorf("hostname: %w", err))
	} else {
		actor.Hostname = hostname
	}

	actor.Username, err = username()
	if err != nil {
		errs = append(errs, err)
	}

	return actor, errors.Join(errs...)
}

func username() (string, error) {
	current, err := user.Current()
	if err == nil && current.Username != "" {
		return current.Username, nil
	}

	for _, key := range usernameEnvKeys {
		if name := os.Getenv(key); name != "" {
			return name, nil
		}
	}

	if err == nil {
		err = errors.New("empty username")
	}

	return "", fmt.Errorf("current user: %w", err)
}
