package pubsub

import (
	"context"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

func newClient(ctx context.Context, projectID, credsFile, resource string) (*gpubsub.Client, error) {
	var (
		client *gpubsub.Client
		err    error
	)
	if credsFile != "" {
		log.Debug().Str("projectID", projectID).Str("resource", resource).Str("credsFile", credsFile).Msg("initializing pubsub client with explicit credentials")
		client, err = gpubsub.NewClient(ctx, projectID, option.WithCredentialsFile(credsFile))
	} else {
		log.Debug().Str("projectID", projectID).Str("resource", resource).Msg("initializing pubsub client with default credentials")
		client, err = gpubsub.NewClient(ctx, projectID)
	}
	if err != nil {
		log.Error().Err(err).Str("projectID", projectID).Str("resource", resource).Msg("failed to create pubsub client")
		return nil, err
	}
	return client, nil
}
