package templates

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	rows    map[string]string // "PK|SK" -> template text
	getErr  error
	lastIns []*dynamodb.GetItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastIns = append(f.lastIns, in)
	if f.getErr != nil {
		return nil, f.getErr
	}
	pk := in.Key["PK"].(*types.AttributeValueMemberS).Value
	sk := in.Key["SK"].(*types.AttributeValueMemberS).Value
	text, ok := f.rows[pk+"|"+sk]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":              &types.AttributeValueMemberS{Value: pk},
		"SK":              &types.AttributeValueMemberS{Value: sk},
		"messageTemplate": &types.AttributeValueMemberS{Value: text},
	}}, nil
}

func mustNewSelector(t *testing.T, db *fakeDynamo, opts ...Option) *Selector {
	t.Helper()
	s, err := NewSelector(db, "templates-table", opts...)
	require.NoError(t, err)
	return s
}

func TestNewSelector_Validates(t *testing.T) {
	_, err := NewSelector(nil, "t")
	require.Error(t, err)
	_, err = NewSelector(&fakeDynamo{}, " ")
	require.Error(t, err)
}

func TestSelect_ExactMatchWins(t *testing.T) {
	db := &fakeDynamo{rows: map[string]string{
		"cheerful#warm|CAT#fitness": "Missing our workouts!",
		"cheerful#warm|CAT#":        "Missing you!",
	}}
	s := mustNewSelector(t, db)

	text, err := s.Select(context.Background(), "cheerful", "warm", "fitness")
	require.NoError(t, err)
	require.Equal(t, "Missing our workouts!", text)
	require.Len(t, db.lastIns, 1)
}

func TestSelect_FallsBackToGeneral(t *testing.T) {
	db := &fakeDynamo{rows: map[string]string{
		"cheerful#warm|CAT#": "Missing you!",
	}}
	s := mustNewSelector(t, db)

	text, err := s.Select(context.Background(), "cheerful", "warm", "fitness")
	require.NoError(t, err)
	require.Equal(t, "Missing you!", text)
	require.Len(t, db.lastIns, 2)
}

func TestSelect_FallsBackToDefault(t *testing.T) {
	s := mustNewSelector(t, &fakeDynamo{})

	text, err := s.Select(context.Background(), "cheerful", "warm", "fitness")
	require.NoError(t, err)
	require.Equal(t, DefaultTemplate, text)
}

func TestSelect_EmptyCategorySkipsExactLookup(t *testing.T) {
	db := &fakeDynamo{rows: map[string]string{
		"cheerful#warm|CAT#": "Missing you!",
	}}
	s := mustNewSelector(t, db)

	text, err := s.Select(context.Background(), "cheerful", "warm", "")
	require.NoError(t, err)
	require.Equal(t, "Missing you!", text)
	require.Len(t, db.lastIns, 1)
}

func TestSelect_StoreErrorPropagates(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("boom")}
	s := mustNewSelector(t, db)

	_, err := s.Select(context.Background(), "cheerful", "warm", "fitness")
	require.Error(t, err)
}

func TestWithFallback_OverridesDefault(t *testing.T) {
	s := mustNewSelector(t, &fakeDynamo{}, WithFallback("custom text"))

	text, err := s.Select(context.Background(), "p", "t", "")
	require.NoError(t, err)
	require.Equal(t, "custom text", text)
}

func TestWithFallback_IgnoresBlank(t *testing.T) {
	s := mustNewSelector(t, &fakeDynamo{}, WithFallback("  "))

	text, err := s.Select(context.Background(), "p", "t", "")
	require.NoError(t, err)
	require.Equal(t, DefaultTemplate, text)
}
