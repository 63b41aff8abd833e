package config

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"
)

func TestQuantityDecodeHook(t *testing.T) {
	hook := QuantityDecodeHook()

	out, err := hook(reflect.TypeOf(""), reflect.TypeOf(resource.Quantity{}), "256Mi")
	require.NoError(t, err)
	quantity := out.(resource.Quantity)
	assert.Equal(t, int64(256*1024*1024), quantity.Value())

	out, err = hook(reflect.TypeOf(""), reflect.TypeOf(""), "256Mi")
	require.NoError(t, err)
	assert.Equal(t, "256Mi", out)

	_, err = hook(reflect.TypeOf(""), reflect.TypeOf(resource.Quantity{}), "lots")
	assert.Error(t, err)
}

func TestCustomHooks_Unmarshal(t *testing.T) {
	type testConfig struct {
		Size     resource.Quantity
		Interval time.Duration
		Addrs    []string
	}
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader("size: 1G\ninterval: 90s\naddrs: a:1,b:2\n")))

	var config testConfig
	require.NoError(t, v.Unmarshal(&config, CustomHooks...))

	assert.Equal(t, int64(1000*1000*1000), config.Size.Value())
	assert.Equal(t, 90*time.Second, config.Interval)
	assert.Equal(t, []string{"a:1", "b:2"}, config.Addrs)
}

func TestRedisConfig_AsUniversalOptions(t *testing.T) {
	config := RedisConfig{
		Addrs:           []string{"localhost:6379"},
		DB:              2,
		MinRetryBackoff: time.Millisecond,
		MaxRetryBackoff: time.Second,
	}
	options := config.AsUniversalOptions()
	assert.Equal(t, config.Addrs, options.Addrs)
	assert.Equal(t, 2, options.DB)
	assert.Equal(t, time.Millisecond, options.MinRetryBackoff)
	assert.Equal(t, time.Second, options.MaxRetryBackoff)
}

func TestRedisConfig_Validation(t *testing.T) {
	assert.Error(t, validator.New().Struct(RedisConfig{}))
	assert.Error(t, validator.New().Struct(RedisConfig{Addrs: []string{"a"}, DB: 17}))
	assert.NoError(t, validator.New().Struct(RedisConfig{Addrs: []string{"a"}}))
}

func TestStripPrefix(t *testing.T) {
	assert.Equal(t, "Sink.Redis.Addrs", stripPrefix("LogBufferConfiguration.Sink.Redis.Addrs"))
	assert.Equal(t, "Addrs", stripPrefix("Addrs"))
}
