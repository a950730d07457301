package fly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const setSecretsMutation = `mutation SetSecrets($appId: ID!, $secrets: [SecretInput!]!) {
  setSecrets(input: {appId: $appId, secrets: $secrets, replaceAll: false}) {
    app {
      name
    }
  }
}`

// Secret is one key/value pair for the application secret store
type Secret struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// SetSecrets registers all secrets with the application in one batch.
// Existing secrets that are not part of the batch are kept.
func (c *Client) SetSecrets(ctx context.Context, app string, secrets []Secret) error {
	req := graphQLRequest{
		Query: setSecretsMutation,
		Variables: map[string]any{
			"appId":   app,
			"secrets": secrets,
		},
	}

	var raw []byte
	if err := c.do(ctx, "POST", c.graphqlURL, req, &raw); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("failed to create secrets: %s", apiErr.Body)
		}
		return fmt.Errorf("failed to create secrets: %w", err)
	}
	// The endpoint is not guaranteed to answer with JSON on success
	var resp graphQLResponse
	if json.Unmarshal(raw, &resp) == nil && len(resp.Errors) > 0 {
		return fmt.Errorf("failed to create secrets: %s", resp.Errors[0].Message)
	}
	return nil
}
