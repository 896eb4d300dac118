// Package templates resolves the re-engagement message text for an avatar's
// trait tuple. Templates are authored out-of-band into a read-only table;
// absence of a template is a normal case, not an error, so every avatar
// configuration always has something to send.
package templates

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DefaultTemplate is the compiled-in last resort when neither an exact nor
// a general template row exists for a trait tuple.
const DefaultTemplate = "Hey! I've missed you around here! How have you been? 😊"

// dynamodbAPI is the minimal DynamoDB interface required by Selector.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Selector looks up re-engagement templates keyed by
// (personality, tone, category).
type Selector struct {
	api       dynamodbAPI
	tableName string
	fallback  string
}

// Option configures a Selector.
type Option func(*Selector)

// WithFallback overrides the compiled-in default template text.
func WithFallback(text string) Option {
	return func(s *Selector) {
		if strings.TrimSpace(text) != "" {
			s.fallback = text
		}
	}
}

// NewSelector creates a Selector over the given template table.
func NewSelector(api dynamodbAPI, tableName string, opts ...Option) (*Selector, error) {
	if api == nil {
		return nil, errors.New("templates: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("templates: table name must not be empty")
	}
	s := &Selector{api: api, tableName: tableName, fallback: DefaultTemplate}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Select resolves the message text for a trait tuple: exact
// (personality, tone, category) match first, then the general row for
// (personality, tone), then the fallback text. Only store I/O failures
// return an error.
func (s *Selector) Select(ctx context.Context, personality, tone, category string) (string, error) {
	if category != "" {
		text, found, err := s.lookup(ctx, personality, tone, category)
		if err != nil {
			return "", err
		}
		if found {
			return text, nil
		}
	}

	text, found, err := s.lookup(ctx, personality, tone, "")
	if err != nil {
		return "", err
	}
	if found {
		return text, nil
	}
	return s.fallback, nil
}

func (s *Selector) lookup(ctx context.Context, personality, tone, category string) (string, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: traitPK(personality, tone)},
			"SK": &types.AttributeValueMemberS{Value: categorySK(category)},
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("templates: lookup (%s, %s, %s): %w", personality, tone, category, err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", false, nil
	}

	v, ok := out.Item["messageTemplate"]
	if !ok {
		return "", false, fmt.Errorf("templates: row (%s, %s, %s) missing messageTemplate", personality, tone, category)
	}
	text, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", false, fmt.Errorf("templates: row (%s, %s, %s) messageTemplate is not a string", personality, tone, category)
	}
	return text.Value, true, nil
}

func traitPK(personality, tone string) string {
	return personality + "#" + tone
}

// categorySK maps the empty category to the general fallback row.
func categorySK(category string) string {
	return "CAT#" + category
}
