// =============================================================================
// 📦 TurnFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Turn:       DefaultTurnConfig(),
		Generation: DefaultGenerationConfig(),
		Redis:      DefaultRedisConfig(),
		Mongo:      DefaultMongoConfig(),
		Database:   DefaultDatabaseConfig(),
		Auth:       DefaultAuthConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxConns:        512,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		AllowedOrigins:  nil,
	}
}

// DefaultTurnConfig 返回默认回合编排配置
func DefaultTurnConfig() TurnConfig {
	return TurnConfig{
		Temperature:     0.7,
		MaxOutputTokens: 1024,
		HistoryBudget:   4000,
		MemoryBudget:    1500,
		HistoryWindow:   12,
		ContextTTL:      10 * time.Minute,
		Persona:         "",
		IngestQueue:     "memory_ingest_queue",
	}
}

// DefaultGenerationConfig 返回默认生成后端配置
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Provider:   "gemini",
		APIKey:     "",
		BaseURL:    "",
		Model:      "gemini-2.5-flash",
		EmbedModel: "gemini-embedding-001",
		Timeout:    60 * time.Second,
		MaxRetries: 3,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DefaultTTL:   5 * time.Minute,
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:                 "mongodb://localhost:27017",
		Database:            "turnflow",
		UnitsCollection:     "memory_units",
		ConceptsCollection:  "concepts",
		ArtifactsCollection: "artifacts",
		VectorIndex:         "memory_units_vector",
		MaxPoolSize:         16,
		ConnectTimeout:      10 * time.Second,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "turnflow",
		Password:        "",
		Name:            "turnflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultAuthConfig 返回默认认证配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		APIKey:    "",
		JWTSecret: "",
		TokenTTL:  24 * time.Hour,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "turnflow",
		SampleRate:   0.1,
	}
}
