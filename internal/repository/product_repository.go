package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/cattybeo/inventory-dashboard/internal/domain"
	pkgconfig "github.com/cattybeo/inventory-dashboard/pkg/config"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrProductExists   = errors.New("product already exists")
	// ErrConflict means a conditional write lost against a concurrent writer;
	// the caller re-reads and retries or gives up.
	ErrConflict = errors.New("conditional write conflict")
)

const (
	rfidIndexName    = "rfid_uid-index"
	saleDayIndexName = "sale_day-index"
	saleDayLayout    = "2006-01-02"
)

type ProductRepository struct {
	client       *dynamodb.Client
	productTable string
	saleLogTable string
	now          func() time.Time
}

func NewDynamoDBClient(cfg *pkgconfig.Config) (*dynamodb.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.AWSRegion),
	}
	if cfg.LocalMode {
		// DynamoDB Local accepts any static credentials.
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.TODO(), opts...)
	if err != nil {
		return nil, err
	}

	if cfg.DynamoDBEndpoint != "" {
		return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
		}), nil
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

func NewProductRepository(client *dynamodb.Client, productTable, saleLogTable string) *ProductRepository {
	return &ProductRepository{
		client:       client,
		productTable: productTable,
		saleLogTable: saleLogTable,
		now:          time.Now,
	}
}

func (r *ProductRepository) CreateProduct(ctx context.Context, product *domain.Product) error {
	av, err := attributevalue.MarshalMap(product)
	if err != nil {
		return fmt.Errorf("failed to marshal product: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.productTable),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrProductExists
		}
		return fmt.Errorf("failed to put item: %w", err)
	}
	return nil
}

func (r *ProductRepository) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.productTable),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: productID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if result.Item == nil {
		return nil, ErrProductNotFound
	}

	var product domain.Product
	if err := attributevalue.UnmarshalMap(result.Item, &product); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product: %w", err)
	}
	return &product, nil
}

// GetProductByRFID resolves a sensor tag to its product through the rfid_uid
// GSI. Zero rows is ErrProductNotFound, distinct from a failed request.
func (r *ProductRepository) GetProductByRFID(ctx context.Context, rfidUID string) (*domain.Product, error) {
	keyCond := expression.Key("rfid_uid").Equal(expression.Value(rfidUID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build rfid query: %w", err)
	}

	result, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(r.productTable),
		IndexName:                 aws.String(rfidIndexName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query rfid index: %w", err)
	}
	if len(result.Items) == 0 {
		return nil, ErrProductNotFound
	}

	var product domain.Product
	if err := attributevalue.UnmarshalMap(result.Items[0], &product); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product: %w", err)
	}
	return &product, nil
}

// ListProducts returns every product, newest first.
func (r *ProductRepository) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var products []domain.Product

	paginator := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{
		TableName: aws.String(r.productTable),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan products: %w", err)
		}
		var batch []domain.Product
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal products: %w", err)
		}
		products = append(products, batch...)
	}

	sort.Slice(products, func(i, j int) bool {
		return products[i].CreatedAt.After(products[j].CreatedAt)
	})
	return products, nil
}

// UpdateProduct applies a partial update. When up.ExpectedStock is set the
// write is conditional on current_stock still holding that value and fails
// with ErrConflict otherwise.
func (r *ProductRepository) UpdateProduct(ctx context.Context, productID string, up domain.ProductUpdate) (*domain.Product, error) {
	update := expression.Set(expression.Name("modified_at"), expression.Value(r.now().UTC()))
	if up.SKU != nil {
		update = update.Set(expression.Name("sku"), expression.Value(*up.SKU))
	}
	if up.Name != nil {
		update = update.Set(expression.Name("name"), expression.Value(*up.Name))
	}
	if up.RFIDUID != nil {
		update = update.Set(expression.Name("rfid_uid"), expression.Value(*up.RFIDUID))
	}
	if up.CurrentStock != nil {
		update = update.Set(expression.Name("current_stock"), expression.Value(*up.CurrentStock))
	}
	if up.InitStock != nil {
		update = update.Set(expression.Name("init_stock"), expression.Value(*up.InitStock))
	}

	condition := expression.AttributeExists(expression.Name("id"))
	if up.ExpectedStock != nil {
		condition = condition.And(expression.Equal(
			expression.Name("current_stock"),
			expression.Value(*up.ExpectedStock),
		))
	}

	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(condition).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build update: %w", err)
	}

	result, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.productTable),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: productID},
		},
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if up.ExpectedStock != nil {
				return nil, ErrConflict
			}
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to update item: %w", err)
	}

	var updated domain.Product
	if err := attributevalue.UnmarshalMap(result.Attributes, &updated); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product: %w", err)
	}
	return &updated, nil
}

// DeductStock is the compare-and-set write of the sale pipeline: it sets
// current_stock to newStock only while it still equals expectedStock, so two
// deductions racing on one product cannot both apply against the same read.
func (r *ProductRepository) DeductStock(ctx context.Context, productID string, expectedStock, newStock int) (*domain.Product, error) {
	update := expression.Set(
		expression.Name("current_stock"),
		expression.Value(newStock),
	).Set(
		expression.Name("modified_at"),
		expression.Value(r.now().UTC()),
	)

	condition := expression.Equal(
		expression.Name("current_stock"),
		expression.Value(expectedStock),
	)

	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(condition).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build deduction: %w", err)
	}

	result, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.productTable),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: productID},
		},
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to deduct stock: %w", err)
	}

	var updated domain.Product
	if err := attributevalue.UnmarshalMap(result.Attributes, &updated); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product: %w", err)
	}
	return &updated, nil
}

func (r *ProductRepository) DeleteProduct(ctx context.Context, productID string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.productTable),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: productID},
		},
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrProductNotFound
		}
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

// AppendSaleLog records one committed sale. The sort key carries a uuid
// suffix so two sales of the same product in the same nanosecond cannot
// collide; sale_day feeds the daily aggregate index.
func (r *ProductRepository) AppendSaleLog(ctx context.Context, productID string, quantity int) (*domain.SaleLogEntry, error) {
	soldAt := r.now().UTC()
	entry := &domain.SaleLogEntry{
		ProductID:    productID,
		SoldAtKey:    fmt.Sprintf("%s#%s", soldAt.Format(time.RFC3339Nano), uuid.NewString()[:8]),
		QuantitySold: quantity,
		SoldAt:       soldAt,
		SaleDay:      soldAt.Format(saleDayLayout),
	}

	av, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sale log: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.saleLogTable),
		Item:      av,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append sale log: %w", err)
	}
	return entry, nil
}

// SalesTotalForDay sums quantity_sold across all products for one UTC day.
func (r *ProductRepository) SalesTotalForDay(ctx context.Context, day time.Time) (int, error) {
	keyCond := expression.Key("sale_day").Equal(expression.Value(day.UTC().Format(saleDayLayout)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return 0, fmt.Errorf("failed to build sales query: %w", err)
	}

	total := 0
	paginator := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:                 aws.String(r.saleLogTable),
		IndexName:                 aws.String(saleDayIndexName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to query sales: %w", err)
		}
		var entries []domain.SaleLogEntry
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &entries); err != nil {
			return 0, fmt.Errorf("failed to unmarshal sale logs: %w", err)
		}
		for _, e := range entries {
			total += e.QuantitySold
		}
	}
	return total, nil
}

// DailySales returns the per-day totals for one product over the trailing
// window, oldest day first. Days without sales are filled with zero so the
// chart gets a continuous series.
func (r *ProductRepository) DailySales(ctx context.Context, productID string, days int) ([]domain.DailySales, error) {
	since := r.now().UTC().AddDate(0, 0, -(days - 1)).Format(saleDayLayout)

	keyCond := expression.Key("product_id").Equal(expression.Value(productID))
	filter := expression.GreaterThanEqual(expression.Name("sale_day"), expression.Value(since))
	expr, err := expression.NewBuilder().
		WithKeyCondition(keyCond).
		WithFilter(filter).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build daily sales query: %w", err)
	}

	totals := make(map[string]int)
	paginator := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:                 aws.String(r.saleLogTable),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query daily sales: %w", err)
		}
		var entries []domain.SaleLogEntry
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &entries); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sale logs: %w", err)
		}
		for _, e := range entries {
			totals[e.SaleDay] += e.QuantitySold
		}
	}

	series := make([]domain.DailySales, 0, days)
	for i := days - 1; i >= 0; i-- {
		day := r.now().UTC().AddDate(0, 0, -i).Format(saleDayLayout)
		series = append(series, domain.DailySales{SaleDay: day, TotalSold: totals[day]})
	}
	return series, nil
}

// Ping verifies the table is reachable; used by the health endpoint.
func (r *ProductRepository) Ping(ctx context.Context) error {
	_, err := r.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(r.productTable),
	})
	if err != nil {
		return fmt.Errorf("dynamodb unreachable: %w", err)
	}
	return nil
}
