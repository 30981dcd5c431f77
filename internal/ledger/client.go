package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// Client submits match outcomes to the external settlement function, which
// executes declareWinner/declareDraw against the game contract. Submission
// is fire-and-forget: the function is invoked asynchronously and failures
// are reported to the caller for logging only.
type Client struct {
	lambda       *lambda.Client
	functionName string
}

func NewClient(ctx context.Context, region, functionName string) (*Client, error) {
	cfg, err := awsConfig.LoadDefaultConfig(ctx, awsConfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load settlement config: %w", err)
	}
	return &Client{
		lambda:       lambda.NewFromConfig(cfg),
		functionName: functionName,
	}, nil
}

type settlementRequest struct {
	GameID string `json:"gameId"`
	Action string `json:"action"`
	Winner string `json:"winner,omitempty"`
}

// DeclareWinner settles the match in favour of the given wallet address.
func (c *Client) DeclareWinner(ctx context.Context, sessionID, winnerAddr string) error {
	return c.invoke(ctx, settlementRequest{
		GameID: sessionID,
		Action: "declareWinner",
		Winner: winnerAddr,
	})
}

// DeclareDraw settles the match as drawn, returning both wagers.
func (c *Client) DeclareDraw(ctx context.Context, sessionID string) error {
	return c.invoke(ctx, settlementRequest{
		GameID: sessionID,
		Action: "declareDraw",
	})
}

func (c *Client) invoke(ctx context.Context, req settlementRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement request: %w", err)
	}
	_, err = c.lambda.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(c.functionName),
		Payload:        payload,
		InvocationType: types.InvocationTypeEvent,
	})
	if err != nil {
		return fmt.Errorf("failed to invoke settlement: %w", err)
	}
	return nil
}
