package cosmos

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
)

// Container is the subset of a Cosmos DB container the store uses. Items are
// raw JSON documents addressed by partition key and id. Errors carrying an
// HTTP status are *azcore.ResponseError.
type Container interface {
	// EnsureContainer creates the database and container when missing and
	// returns the partition key path of the container as it exists.
	EnsureContainer(ctx context.Context, partitionKeyPath string, throughput int32) (string, error)
	CreateItem(ctx context.Context, partitionKey string, item []byte) error
	// PatchItem sets top-level properties of an existing item.
	PatchItem(ctx context.Context, partitionKey, id string, set map[string]any) error
	ReadItem(ctx context.Context, partitionKey, id string) ([]byte, error)
	DeleteItem(ctx context.Context, partitionKey, id string) error
	// QueryItems runs a query scoped to one partition.
	QueryItems(partitionKey, query string, params map[string]any, pageSize int32) ItemPager
}

// ItemPager iterates the pages of a query.
type ItemPager interface {
	More() bool
	NextPage(ctx context.Context) ([][]byte, error)
}

// azureContainer is the Container backed by the Azure SDK.
type azureContainer struct {
	client       *azcosmos.Client
	databaseName string
	database     *azcosmos.DatabaseClient
	container    *azcosmos.ContainerClient
}

func newAzureContainer(client *azcosmos.Client, databaseName, containerName string) (*azureContainer, error) {
	database, err := client.NewDatabase(databaseName)
	if err != nil {
		return nil, fmt.Errorf("database client: %w", err)
	}
	container, err := database.NewContainer(containerName)
	if err != nil {
		return nil, fmt.Errorf("container client: %w", err)
	}
	return &azureContainer{
		client:       client,
		databaseName: databaseName,
		database:     database,
		container:    container,
	}, nil
}

func (c *azureContainer) EnsureContainer(ctx context.Context, partitionKeyPath string, throughput int32) (string, error) {
	_, err := c.client.CreateDatabase(ctx, azcosmos.DatabaseProperties{ID: c.databaseName}, nil)
	if err != nil && !hasStatus(err, http.StatusConflict) {
		return "", fmt.Errorf("create database %s: %w", c.databaseName, err)
	}

	props := azcosmos.ContainerProperties{
		ID: c.container.ID(),
		PartitionKeyDefinition: azcosmos.PartitionKeyDefinition{
			Paths: []string{partitionKeyPath},
		},
	}
	tp := azcosmos.NewManualThroughputProperties(throughput)
	_, err = c.database.CreateContainer(ctx, props, &azcosmos.CreateContainerOptions{ThroughputProperties: &tp})
	if err != nil && !hasStatus(err, http.StatusConflict) {
		return "", fmt.Errorf("create container %s: %w", c.container.ID(), err)
	}

	resp, err := c.container.Read(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("read container %s: %w", c.container.ID(), err)
	}
	if resp.ContainerProperties == nil {
		return "", errors.New("container properties missing from response")
	}
	return strings.Join(resp.ContainerProperties.PartitionKeyDefinition.Paths, ","), nil
}

func (c *azureContainer) CreateItem(ctx context.Context, partitionKey string, item []byte) error {
	_, err := c.container.CreateItem(ctx, azcosmos.NewPartitionKeyString(partitionKey), item, nil)
	return err
}

func (c *azureContainer) PatchItem(ctx context.Context, partitionKey, id string, set map[string]any) error {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)

	ops := azcosmos.PatchOperations{}
	for _, name := range names {
		ops.AppendSet("/"+name, set[name])
	}
	_, err := c.container.PatchItem(ctx, azcosmos.NewPartitionKeyString(partitionKey), id, ops, nil)
	return err
}

func (c *azureContainer) ReadItem(ctx context.Context, partitionKey, id string) ([]byte, error) {
	resp, err := c.container.ReadItem(ctx, azcosmos.NewPartitionKeyString(partitionKey), id, nil)
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *azureContainer) DeleteItem(ctx context.Context, partitionKey, id string) error {
	_, err := c.container.DeleteItem(ctx, azcosmos.NewPartitionKeyString(partitionKey), id, nil)
	return err
}

func (c *azureContainer) QueryItems(partitionKey, query string, params map[string]any, pageSize int32) ItemPager {
	opts := &azcosmos.QueryOptions{PageSizeHint: pageSize}
	for name, value := range params {
		opts.QueryParameters = append(opts.QueryParameters, azcosmos.QueryParameter{Name: name, Value: value})
	}
	sort.Slice(opts.QueryParameters, func(i, j int) bool {
		return opts.QueryParameters[i].Name < opts.QueryParameters[j].Name
	})
	return &azurePager{pager: c.container.NewQueryItemsPager(query, azcosmos.NewPartitionKeyString(partitionKey), opts)}
}

type azurePager struct {
	pager *runtime.Pager[azcosmos.QueryItemsResponse]
}

func (p *azurePager) More() bool {
	return p.pager.More()
}

func (p *azurePager) NextPage(ctx context.Context) ([][]byte, error) {
	resp, err := p.pager.NextPage(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// hasStatus reports whether err is a Cosmos response with the given HTTP status.
func hasStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}
