package conf

import (
	"fmt"
	"os"

	"github.com/spf13/afero"

	"github.com/tphakala/lightfield/internal/secrets"
)

// resolveSecrets expands environment references in credential-bearing
// fields and reads file-based secrets.
func resolveSecrets(fs afero.Fs, s *Settings) error {
	for i := range s.Streams {
		if err := expand(&s.Streams[i].URL); err != nil {
			return fmt.Errorf("streams[%d].url: %w", i, err)
		}
	}
	for i := range s.Notify.URLs {
		if err := expand(&s.Notify.URLs[i]); err != nil {
			return fmt.Errorf("notify.urls[%d]: %w", i, err)
		}
	}
	if err := expand(&s.Sentry.DSN); err != nil {
		return fmt.Errorf("sentry.dsn: %w", err)
	}
	if err := expand(&s.MQTT.Username); err != nil {
		return fmt.Errorf("mqtt.username: %w", err)
	}

	if s.MQTT.PasswordFile != "" && secrets.Permissive(fs, s.MQTT.PasswordFile) {
		fmt.Fprintf(os.Stderr, "WARNING: mqtt.passwordfile is readable by group or other: %s\n", s.MQTT.PasswordFile)
	}
	password, err := secrets.Resolve(fs, s.MQTT.PasswordFile, s.MQTT.Password)
	if err != nil {
		return fmt.Errorf("mqtt.password: %w", err)
	}
	s.MQTT.Password = password
	return nil
}

func expand(field *string) error {
	v, err := secrets.ExpandString(*field)
	if err != nil {
		return err
	}
	*field = v
	return nil
}
