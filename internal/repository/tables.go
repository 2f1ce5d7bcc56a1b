package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// EnsureTables creates the product and sale-log tables when they do not exist
// yet. Meant for local mode; in a deployed environment the tables are
// provisioned out of band.
func (r *ProductRepository) EnsureTables(ctx context.Context) error {
	if err := r.ensureProductTable(ctx); err != nil {
		return err
	}
	return r.ensureSaleLogTable(ctx)
}

func (r *ProductRepository) ensureProductTable(ctx context.Context) error {
	_, err := r.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(r.productTable),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("rfid_uid"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(rfidIndexName),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("rfid_uid"), KeyType: types.KeyTypeHash},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
		BillingMode: types.BillingModePayPerRequest,
		StreamSpecification: &types.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: types.StreamViewTypeNewAndOldImages,
		},
	})
	return ignoreExisting(err, r.productTable)
}

func (r *ProductRepository) ensureSaleLogTable(ctx context.Context) error {
	_, err := r.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(r.saleLogTable),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("product_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sold_at_key"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sale_day"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("product_id"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sold_at_key"), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(saleDayIndexName),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("sale_day"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("sold_at_key"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	return ignoreExisting(err, r.saleLogTable)
}

func ignoreExisting(err error, table string) error {
	if err == nil {
		return nil
	}
	var exists *types.ResourceInUseException
	if errors.As(err, &exists) {
		return nil
	}
	return fmt.Errorf("failed to create table %s: %w", table, err)
}
