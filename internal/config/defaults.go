package config

import (
	"errors"
	"fmt"
	"unicode"

	"github.com/jackzampolin/fulltext/internal/home"
)

// ErrInvalidKey is returned when a config key contains invalid characters.
var ErrInvalidKey = errors.New("invalid config key")

// ValidateKey checks if a config key contains only allowed characters.
// Valid keys contain: letters, digits, dots and underscores.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	for i, r := range key {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '_' {
			return fmt.Errorf("%w: invalid character %q at position %d", ErrInvalidKey, r, i)
		}
	}
	// Don't allow keys starting or ending with dots
	if key[0] == '.' || key[len(key)-1] == '.' {
		return fmt.Errorf("%w: key cannot start or end with a dot", ErrInvalidKey)
	}
	return nil
}

// Entry is one documented configuration key with its default.
type Entry struct {
	Key         string `json:"key" yaml:"key"`
	Value       any    `json:"value" yaml:"value"`
	Description string `json:"description" yaml:"description"`
}

// DefaultEntries returns every configuration key with its default value.
// Paths default to locations under the home directory h.
func DefaultEntries(h *home.Dir) []Entry {
	return []Entry{
		// ===================
		// Storage
		// ===================
		{
			Key:         "fulltext.storage_root",
			Value:       h.StoragePath(),
			Description: "Root directory of generated full texts and METS copies",
		},
		{
			Key:         "fulltext.public_base_url",
			Value:       "http://127.0.0.1:8080/fulltext",
			Description: "Public URL under which storage_root is served",
		},
		{
			Key:         "fulltext.temp_images_dir",
			Value:       h.TempImagesPath(),
			Description: "Directory for page images downloaded before OCR",
		},
		{
			Key:         "fulltext.temp_output_dir",
			Value:       h.TempOutputPath(),
			Description: "Directory for engine output of running jobs",
		},
		{
			Key:         "fulltext.lock_dir",
			Value:       h.LockPath(),
			Description: "Job lock directory shared by all processes",
		},

		// ===================
		// Jobs
		// ===================
		{
			Key:         "fulltext.job_timeout",
			Value:       "5m",
			Description: "Maximum run time of one engine invocation",
		},
		{
			Key:         "fulltext.max_concurrent_jobs",
			Value:       1,
			Description: "Maximum number of OCR jobs running at once across processes",
		},
		{
			Key:         "fulltext.page_delay",
			Value:       "0s",
			Description: "Delay between engine starts when processing a whole document",
		},
		{
			Key:         "fulltext.lock_poll_interval",
			Value:       "1s",
			Description: "How often a waiting job checks for a free slot",
		},
		{
			Key:         "fulltext.placeholder_text",
			Value:       "Full text is being generated...",
			Description: "Text shown while a page is processed; empty disables placeholders",
		},
		{
			Key:         "fulltext.pre_download_images",
			Value:       true,
			Description: "Download remote page images before running the engine",
		},

		// ===================
		// Engines and METS
		// ===================
		{
			Key:         "fulltext.engines_file",
			Value:       h.EnginesPath(),
			Description: "JSON catalog of OCR engines",
		},
		{
			Key:         "fulltext.default_engine",
			Value:       "",
			Description: "Engine used when a request names none; empty uses the catalog default",
		},
		{
			Key:         "fulltext.image_file_groups",
			Value:       []string{"DEFAULT", "MAX"},
			Description: "METS file groups holding page images, lowest resolution first",
		},
		{
			Key:         "fulltext.fulltext_file_groups",
			Value:       []string{"FULLTEXT"},
			Description: "METS file groups holding existing full text",
		},
		{
			Key:         "fulltext.output_file_group",
			Value:       "FULLTEXT",
			Description: "METS file group generated full texts are registered in",
		},
		{
			Key:         "fulltext.software_prefix",
			Value:       "DFG-Viewer-5-OCR-",
			Description: "Prefix of the SOFTWARE attribute; the engine id is appended",
		},

		// ===================
		// Downloads
		// ===================
		{
			Key:         "download.timeout",
			Value:       "60s",
			Description: "HTTP timeout of one download attempt",
		},
		{
			Key:         "download.max_retries",
			Value:       3,
			Description: "Retries of a failed download",
		},
		{
			Key:         "download.user_agent",
			Value:       "fulltext/1.0",
			Description: "User-Agent header of downloads",
		},

		// ===================
		// Docker
		// ===================
		{
			Key:         "docker.enabled",
			Value:       true,
			Description: "Run engines that name an image in Docker containers",
		},
		{
			Key:         "docker.network",
			Value:       "bridge",
			Description: "Network of containers that fetch their image by URL",
		},

		// ===================
		// Server and logging
		// ===================
		{
			Key:         "server.host",
			Value:       "127.0.0.1",
			Description: "HTTP listen host",
		},
		{
			Key:         "server.port",
			Value:       "8080",
			Description: "HTTP listen port",
		},
		{
			Key:         "server.local_roots",
			Value:       []string{},
			Description: "Directories API callers may reference local documents and images in; empty allows only http(s)",
		},
		{
			Key:         "log.level",
			Value:       "info",
			Description: "Log level: debug, info, warn or error",
		},
		{
			Key:         "log.format",
			Value:       "text",
			Description: "Log format: text or json",
		},
	}
}

// DefaultValue returns the default for key.
func DefaultValue(h *home.Dir, key string) (any, bool) {
	for _, e := range DefaultEntries(h) {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}
