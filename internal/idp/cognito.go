package idp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"mcpgateway-go/internal/gwerr"
)

// Cognito drives a user pool's admin API.
type Cognito struct {
	client     *cognitoidentityprovider.Client
	userPoolID string
	tokenURL   string // <hosted-ui domain>/oauth2/token, empty when no domain is configured
	logger     *zap.Logger
}

// NewCognito builds the driver using the ambient AWS credential chain.
// domain is the pool's hosted-UI domain, used for client-credentials token
// exchanges; it may be empty when token minting is not needed.
func NewCognito(ctx context.Context, region, userPoolID, domain string, logger *zap.Logger) (*Cognito, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	tokenURL := ""
	if domain != "" {
		tokenURL = strings.TrimSuffix(domain, "/") + "/oauth2/token"
	}
	return &Cognito{
		client:     cognitoidentityprovider.NewFromConfig(cfg),
		userPoolID: userPoolID,
		tokenURL:   tokenURL,
		logger:     logger.Named("cognito-admin"),
	}, nil
}

// Name identifies the provider.
func (c *Cognito) Name() string { return "cognito" }

// CreateGroup creates a user-pool group; an existing group succeeds.
func (c *Cognito) CreateGroup(ctx context.Context, name, description string) error {
	input := &cognitoidentityprovider.CreateGroupInput{
		UserPoolId: aws.String(c.userPoolID),
		GroupName:  aws.String(name),
	}
	if description != "" {
		input.Description = aws.String(description)
	}
	if _, err := c.client.CreateGroup(ctx, input); err != nil {
		var exists *types.GroupExistsException
		if errors.As(err, &exists) {
			return nil
		}
		return gwerr.Upstreamf("cognito group create failed: %v", err)
	}
	return nil
}

// DeleteGroup removes a user-pool group. Missing groups succeed.
func (c *Cognito) DeleteGroup(ctx context.Context, name string) error {
	_, err := c.client.DeleteGroup(ctx, &cognitoidentityprovider.DeleteGroupInput{
		UserPoolId: aws.String(c.userPoolID),
		GroupName:  aws.String(name),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil
		}
		return gwerr.Upstreamf("cognito group delete failed: %v", err)
	}
	return nil
}

// ListGroups returns every user-pool group.
func (c *Cognito) ListGroups(ctx context.Context) ([]Group, error) {
	var out []Group
	var nextToken *string
	for {
		resp, err := c.client.ListGroups(ctx, &cognitoidentityprovider.ListGroupsInput{
			UserPoolId: aws.String(c.userPoolID),
			NextToken:  nextToken,
		})
		if err != nil {
			return nil, gwerr.Upstreamf("cognito group list failed: %v", err)
		}
		for _, g := range resp.Groups {
			out = append(out, Group{
				Name:        aws.ToString(g.GroupName),
				Description: aws.ToString(g.Description),
			})
		}
		nextToken = resp.NextToken
		if nextToken == nil {
			return out, nil
		}
	}
}

// CreateServiceAccount provisions an app client with the client-credentials
// grant. Cognito machine clients have no group membership; the requested
// groups are granted through the scope policy instead, so they are accepted
// and recorded but not pushed to the pool.
func (c *Cognito) CreateServiceAccount(ctx context.Context, name string, groups []string, description string) (*ServiceAccount, error) {
	resp, err := c.client.CreateUserPoolClient(ctx, &cognitoidentityprovider.CreateUserPoolClientInput{
		UserPoolId:                      aws.String(c.userPoolID),
		ClientName:                      aws.String(name),
		GenerateSecret:                  true,
		AllowedOAuthFlows:               []types.OAuthFlowType{types.OAuthFlowTypeClientCredentials},
		AllowedOAuthFlowsUserPoolClient: true,
	})
	if err != nil {
		return nil, gwerr.Upstreamf("cognito client create failed: %v", err)
	}

	client := resp.UserPoolClient
	c.logger.Info("provisioned app client",
		zap.String("client_name", name),
		zap.Int("groups", len(groups)))
	return &ServiceAccount{
		ID:       aws.ToString(client.ClientId),
		ClientID: aws.ToString(client.ClientId),
		Secret:   aws.ToString(client.ClientSecret),
	}, nil
}

// MintToken performs a client-credentials exchange against the pool's
// hosted-UI token endpoint.
func (c *Cognito) MintToken(ctx context.Context, clientID, clientSecret string) (*InitialToken, error) {
	if c.tokenURL == "" {
		return nil, gwerr.Upstreamf("cognito hosted domain is not configured, cannot mint client-credentials token")
	}
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     c.tokenURL,
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return nil, gwerr.Upstreamf("cognito token mint failed: %v", err)
	}
	return &InitialToken{
		AccessToken: tok.AccessToken,
		ExpiresIn:   int64(time.Until(tok.Expiry).Seconds()),
	}, nil
}
