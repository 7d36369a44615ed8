package connectors

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Connector replicates a produced artifact to an external target
// (cloud/object store/etc). ref groups artifacts by the session or job that
// produced them; name is the artifact file name.
type Connector interface {
	Name() string
	StoreArtifact(ctx context.Context, ref, name string, data []byte) error
}

// LoadFromEnv instantiates connectors declared in CONNECTORS env variable.
func LoadFromEnv(ctx context.Context, logger zerolog.Logger) []Connector {
	raw := os.Getenv("CONNECTORS")
	if raw == "" {
		return nil
	}
	var instances []Connector
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(strings.ToLower(token))
		if token == "" {
			continue
		}
		var (
			conn Connector
			err  error
		)
		switch token {
		case "s3":
			conn, err = NewS3Connector(ctx)
		case "azure":
			conn, err = NewAzureBlobConnector(ctx)
		case "sftp":
			conn, err = NewSFTPConnector()
		case "ftps":
			conn, err = NewFTPSConnector()
		default:
			err = fmt.Errorf("unknown connector %q", token)
		}
		if err != nil {
			logger.Error().Err(err).Str("connector", token).Msg("failed to init connector")
			continue
		}
		logger.Info().Str("connector", conn.Name()).Msg("initialized connector")
		instances = append(instances, conn)
	}
	return instances
}

// Replicate fans an artifact out to every connector. In strict mode the first
// failure aborts; otherwise failures are logged and the rest still run.
func Replicate(ctx context.Context, conns []Connector, strict bool, logger zerolog.Logger, ref, name string, data []byte) error {
	for _, conn := range conns {
		if err := conn.StoreArtifact(ctx, ref, name, data); err != nil {
			logger.Error().
				Err(err).
				Str("connector", conn.Name()).
				Str("ref", ref).
				Str("artifact", name).
				Msg("connector failed to store artifact")
			if strict {
				return fmt.Errorf("connector %s: %w", conn.Name(), err)
			}
		}
	}
	return nil
}
