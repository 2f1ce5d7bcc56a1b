package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port     string `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// MQTT broker. The websocket schemes append the conventional /mqtt path.
	MQTTHost             string `envconfig:"MQTT_URL" default:"localhost"`
	MQTTPort             int    `envconfig:"MQTT_WEBSOCKET_PORT" default:"8883"`
	MQTTScheme           string `envconfig:"MQTT_SCHEME" default:"wss"`
	MQTTUsername         string `envconfig:"MQTT_USERNAME"`
	MQTTPassword         string `envconfig:"MQTT_PASSWORD"`
	MQTTClientIDPrefix   string `envconfig:"MQTT_CLIENT_ID_PREFIX" default:"iot_dashboard"`
	MQTTKeepAliveSec     int    `envconfig:"MQTT_KEEPALIVE_SEC" default:"60"`
	MQTTCleanSession     bool   `envconfig:"MQTT_CLEAN_SESSION" default:"true"`
	MQTTConnectTimeoutMS int    `envconfig:"MQTT_CONNECT_TIMEOUT_MS" default:"30000"`
	MQTTReconnectMS      int    `envconfig:"MQTT_RECONNECT_MS" default:"5000"`
	SalesTopic           string `envconfig:"SALES_TOPIC" default:"inventory/sale"`

	AWSRegion        string `envconfig:"AWS_REGION" default:"ap-northeast-2"`
	DynamoDBEndpoint string `envconfig:"DYNAMODB_ENDPOINT"`
	ProductTableName string `envconfig:"PRODUCT_TABLE_NAME" default:"products"`
	SaleLogTableName string `envconfig:"SALE_LOG_TABLE_NAME" default:"sale_logs"`
	LocalMode        bool   `envconfig:"LOCAL_MODE" default:"true"`
	StreamEnabled    bool   `envconfig:"STREAM_ENABLED" default:"false"`

	// Kafka audit events are off unless brokers are configured.
	KafkaBrokers string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string `envconfig:"KAFKA_TOPIC" default:"inventory-events"`

	SPIFFEEnabled    bool   `envconfig:"SPIFFE_ENABLED" default:"false"`
	SPIFFESocketPath string `envconfig:"SPIFFE_SOCKET_PATH" default:"unix:///run/spire/sockets/agent.sock"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// BrokerURL builds the connection URL the way the dashboard expects it:
// websocket brokers are reached on the /mqtt path, plain tcp/ssl brokers on
// the bare host:port.
func (c *Config) BrokerURL() string {
	switch c.MQTTScheme {
	case "ws", "wss":
		return fmt.Sprintf("%s://%s:%d/mqtt", c.MQTTScheme, c.MQTTHost, c.MQTTPort)
	default:
		return fmt.Sprintf("%s://%s:%d", c.MQTTScheme, c.MQTTHost, c.MQTTPort)
	}
}

func (c *Config) KafkaEnabled() bool {
	return c.KafkaBrokers != ""
}
