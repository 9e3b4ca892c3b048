package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "SYNCFLOW"

type ServerConfig struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		// 为空时使用进程内存储
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		// 为空时软锁与在线状态退化为进程内实现
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		// 独立 auth 服务地址；为空则本进程签发并校验 token
		Path   string `mapstructure:"path"`
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Whiteboard struct {
		LockTTL      time.Duration `mapstructure:"lockTTL"`
		DefaultLines int           `mapstructure:"defaultLines"`
		PresenceTTL  time.Duration `mapstructure:"presenceTTL"`
		MaxInFlight  int           `mapstructure:"maxInFlight"`
	} `mapstructure:"whiteboard"`
}

type ClientConfig struct {
	Server struct {
		URL string `mapstructure:"url"`
		// 为空时由 url 推导（http->ws）
		WS string `mapstructure:"ws"`
	} `mapstructure:"server"`
	Auth struct {
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		Token    string `mapstructure:"token"`
	} `mapstructure:"auth"`
	Editor struct {
		PropagateDelay time.Duration `mapstructure:"propagateDelay"`
		PersistDelay   time.Duration `mapstructure:"persistDelay"`
		ReconnectDelay time.Duration `mapstructure:"reconnectDelay"`
	} `mapstructure:"editor"`
}

func serverDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "note-lines")
	v.SetDefault("auth.path", "")
	v.SetDefault("auth.secret", "dev-secret")
	v.SetDefault("whiteboard.lockTTL", 5*time.Minute)
	v.SetDefault("whiteboard.defaultLines", 10)
	v.SetDefault("whiteboard.presenceTTL", 60*time.Second)
	v.SetDefault("whiteboard.maxInFlight", 100)
}

func clientDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "http://localhost:8080")
	v.SetDefault("server.ws", "")
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("editor.propagateDelay", 350*time.Millisecond)
	v.SetDefault("editor.persistDelay", 500*time.Millisecond)
	v.SetDefault("editor.reconnectDelay", 2*time.Second)
}

// prepare 配置文件可选：找不到时只用默认值和环境变量
func prepare(v *viper.Viper, name, file string) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		return v.ReadInConfig()
	}
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

// LoadServer file 为空时按 serverConfig.yaml 查找
func LoadServer(v *viper.Viper, file string) (*ServerConfig, error) {
	serverDefaults(v)
	if err := prepare(v, "serverConfig", file); err != nil {
		return nil, err
	}
	cfg := &ServerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClient v 可以预先绑定好命令行 flag
func LoadClient(v *viper.Viper, file string) (*ClientConfig, error) {
	clientDefaults(v)
	if err := prepare(v, "clientConfig", file); err != nil {
		return nil, err
	}
	cfg := &ClientConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if cfg.Server.WS == "" {
		cfg.Server.WS = WebsocketURL(cfg.Server.URL)
	}
	return cfg, nil
}

// WebsocketURL http(s)://host -> ws(s)://host/whiteboard/ws
func WebsocketURL(httpURL string) string {
	u := strings.TrimRight(httpURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/whiteboard/ws"
}
