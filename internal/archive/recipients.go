package archive

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/agessh"

	"github.com/tis24dev/ibex/internal/config"
)

// ResolveRecipients parses the configured age recipients. It returns nil
// when encryption is not configured.
func ResolveRecipients(enc config.Encryption) ([]age.Recipient, error) {
	if !enc.Enabled() {
		return nil, nil
	}

	values := append([]string(nil), enc.AgeRecipients...)
	if enc.AgeRecipientFile != "" {
		fromFile, err := readRecipientFile(enc.AgeRecipientFile)
		if err != nil {
			return nil, fmt.Errorf("read age recipient file %s: %w", enc.AgeRecipientFile, err)
		}
		values = append(values, fromFile...)
	}

	values = dedupeRecipientStrings(values)
	if len(values) == 0 {
		return nil, fmt.Errorf("no age recipients configured")
	}

	parsed := make([]age.Recipient, 0, len(values))
	for _, value := range values {
		recipient, err := parseRecipientString(value)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, recipient)
	}
	return parsed, nil
}

func parseRecipientString(value string) (age.Recipient, error) {
	switch {
	case strings.HasPrefix(value, "age1"):
		return age.ParseX25519Recipient(value)
	case strings.HasPrefix(strings.ToLower(value), "ssh-"):
		return agessh.ParseRecipient(value)
	default:
		return nil, fmt.Errorf("unsupported age recipient format: %s", value)
	}
}

func dedupeRecipientStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

func readRecipientFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var recipients []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		recipients = append(recipients, line)
	}
	return recipients, scanner.Err()
}
