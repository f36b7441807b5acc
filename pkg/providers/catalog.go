package providers

import "github.com/piiagent/integrator/pkg/engine"

// DefaultCatalog is what discovery reports when no catalog is configured.
func DefaultCatalog() map[engine.CloudProvider][]engine.DiscoveredResource {
	return map[engine.CloudProvider][]engine.DiscoveredResource{
		engine.ProviderAWS: {
			{ResourceID: "arn:aws:rds:ap-northeast-2:000000000000:db:orders", Type: engine.ResourceRDS, DatabaseType: "MYSQL", Region: "ap-northeast-2"},
			{ResourceID: "arn:aws:rds:ap-northeast-2:000000000000:cluster:billing", Type: engine.ResourceRDSCluster, DatabaseType: "POSTGRESQL", Region: "ap-northeast-2"},
			{ResourceID: "arn:aws:dynamodb:ap-northeast-2:000000000000:table/sessions", Type: engine.ResourceDynamoDB, DatabaseType: "DYNAMODB", Region: "ap-northeast-2"},
			{ResourceID: "arn:aws:athena:ap-northeast-2:000000000000:workgroup/analytics", Type: engine.ResourceAthena, DatabaseType: "ATHENA", Region: "ap-northeast-2"},
			{ResourceID: "arn:aws:redshift:ap-northeast-2:000000000000:cluster:warehouse", Type: engine.ResourceRedshift, DatabaseType: "REDSHIFT", Region: "ap-northeast-2"},
			{ResourceID: "arn:aws:ec2:ap-northeast-2:000000000000:instance/i-0a1b2c3d4e5f", Type: engine.ResourceEC2, Region: "ap-northeast-2"},
		},
		engine.ProviderAzure: {
			{ResourceID: "/subscriptions/0000/resourceGroups/prod/providers/Microsoft.Sql/servers/crm", Type: engine.ResourceAzureSQL, DatabaseType: "MSSQL", Region: "koreacentral"},
			{ResourceID: "/subscriptions/0000/resourceGroups/prod/providers/Microsoft.DBforPostgreSQL/flexibleServers/ledger", Type: engine.ResourceAzurePostgre, DatabaseType: "POSTGRESQL", Region: "koreacentral"},
			{ResourceID: "/subscriptions/0000/resourceGroups/prod/providers/Microsoft.DBforMySQL/flexibleServers/shop", Type: engine.ResourceAzureMySQL, DatabaseType: "MYSQL", Region: "koreacentral"},
			{ResourceID: "/subscriptions/0000/resourceGroups/prod/providers/Microsoft.DocumentDB/databaseAccounts/events", Type: engine.ResourceCosmosDB, DatabaseType: "COSMOSDB", Region: "koreacentral"},
			{ResourceID: "/subscriptions/0000/resourceGroups/prod/providers/Microsoft.Compute/virtualMachines/legacy-db", Type: engine.ResourceAzureVM, Region: "koreacentral"},
		},
		engine.ProviderGCP: {
			{ResourceID: "projects/prod/instances/accounts", Type: engine.ResourceCloudSQL, DatabaseType: "POSTGRESQL", Region: "asia-northeast3"},
			{ResourceID: "projects/prod/datasets/marketing", Type: engine.ResourceBigQuery, DatabaseType: "BIGQUERY", Region: "asia-northeast3"},
			{ResourceID: "projects/prod/instances/inventory-spanner", Type: engine.ResourceSpanner, DatabaseType: "SPANNER", Region: "asia-northeast3"},
			{ResourceID: "projects/prod/zones/asia-northeast3-a/instances/batch-db", Type: engine.ResourceGCEVM, Region: "asia-northeast3"},
		},
	}
}
