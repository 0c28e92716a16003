package cloudinary

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/rs/zerolog"
)

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Locator resolves stored answer images to secure Cloudinary delivery URLs.
type Locator struct {
	client *cloudinary.Cloudinary
	folder string
	logger zerolog.Logger
}

// New constructs a Cloudinary locator instance.
func New(cfg Config, logger zerolog.Logger) (*Locator, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}
	cld.Config.URL.Secure = true

	return &Locator{
		client: cld,
		folder: strings.Trim(cfg.Folder, "/"),
		logger: logger.With().Str("component", "cloudinary").Logger(),
	}, nil
}

// Locate returns a URL the grader can fetch. Absolute URLs are returned unchanged;
// anything else is treated as a public ID relative to the configured folder.
func (l *Locator) Locate(_ context.Context, storagePath string) (string, error) {
	storagePath = strings.TrimSpace(storagePath)
	if storagePath == "" {
		return "", fmt.Errorf("empty storage path")
	}
	if strings.HasPrefix(storagePath, "http://") || strings.HasPrefix(storagePath, "https://") {
		return storagePath, nil
	}

	publicID := PublicID(l.folder, storagePath)
	asset, err := l.client.Image(publicID)
	if err != nil {
		return "", fmt.Errorf("failed to build image asset: %w", err)
	}

	url, err := asset.String()
	if err != nil {
		return "", fmt.Errorf("failed to build image url: %w", err)
	}

	l.logger.Debug().Str("public_id", publicID).Msg("resolved answer image")
	return url, nil
}

// PublicID derives the Cloudinary public ID of a stored image path.
func PublicID(folder, storagePath string) string {
	clean := strings.Trim(storagePath, "/")
	clean = strings.TrimSuffix(clean, path.Ext(clean))
	if folder == "" || strings.HasPrefix(clean, folder+"/") {
		return clean
	}
	return folder + "/" + clean
}
