// Package gconfig 封装 viper，从文件与环境变量加载配置并解码到结构体。
package gconfig

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/sofiworker/gcap/glog"
)

// Config 是一个配置加载器，封装了 viper 的功能。
type Config struct {
	v        *viper.Viper
	opts     *Options
	loaded   bool
	fileUsed string
	mu       sync.RWMutex
}

// DecoderOption 是一个用于在 Unmarshal 时配置解码器行为的声明式结构体。
type DecoderOption struct {
	TagName          string
	WeaklyTypedInput *bool // 使用指针以区分未设置和 false
	ErrorUnused      *bool
	DecodeHooks      []mapstructure.DecodeHookFunc
}

// DecoderOptionFunc 是一个用于修改 DecoderOption 的函数。
type DecoderOptionFunc func(*DecoderOption)

// Unmarshaler 定义了一个可以将配置解析到结构体中的接口。
type Unmarshaler interface {
	Unmarshal(rawVal interface{}, opts ...DecoderOptionFunc) error
}

// Options 保存了创建 viper 实例所需的所有配置。
type Options struct {
	Name  string   // 配置文件名 (不带扩展名)
	Type  string   // 配置文件类型 (e.g., "yaml", "json")
	Paths []string // 配置文件搜索路径
	File  string   // 完整的配置文件路径，设置后忽略 Name, Paths

	EnvPrefix   string
	EnvReplacer *strings.Replacer

	Defaults map[string]interface{}

	DecoderOption *DecoderOption

	// OnChangeCallback 配置文件变化时触发，设置后才会启动文件监控。
	OnChangeCallback func(c Unmarshaler)

	Logger glog.Logger
}

// Option 是一个用于修改 Options 的函数。
type Option func(*Options)

// WithFile 指定一个完整的配置文件路径。
func WithFile(path string) Option {
	return func(o *Options) {
		o.File = path
	}
}

// WithName 设置配置文件名。
func WithName(name string) Option {
	return func(o *Options) {
		o.Name = name
	}
}

// WithType 设置配置文件类型。
func WithType(typ string) Option {
	return func(o *Options) {
		o.Type = typ
	}
}

// WithPaths 替换配置文件搜索路径。
func WithPaths(paths ...string) Option {
	return func(o *Options) {
		o.Paths = paths
	}
}

// WithEnvPrefix 设置环境变量前缀。
func WithEnvPrefix(prefix string) Option {
	return func(o *Options) {
		o.EnvPrefix = prefix
	}
}

// WithDefaults 设置一组默认值，键使用点号分隔。
func WithDefaults(defaults map[string]interface{}) Option {
	return func(o *Options) {
		if o.Defaults == nil {
			o.Defaults = make(map[string]interface{}, len(defaults))
		}
		for k, v := range defaults {
			o.Defaults[k] = v
		}
	}
}

// WithOnChangeCallback 设置一个在配置变更时触发的回调。
func WithOnChangeCallback(cb func(c Unmarshaler)) Option {
	return func(o *Options) {
		o.OnChangeCallback = cb
	}
}

// WithLogger 设置内部 logger。
func WithLogger(logger glog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithDecoderOptions 设置默认的解码器选项。
func WithDecoderOptions(opts ...DecoderOptionFunc) Option {
	return func(o *Options) {
		if o.DecoderOption == nil {
			o.DecoderOption = &DecoderOption{}
		}
		for _, opt := range opts {
			opt(o.DecoderOption)
		}
	}
}

// WithTagName 返回一个设置了 TagName 的 DecoderOptionFunc。
func WithTagName(tagName string) DecoderOptionFunc {
	return func(opt *DecoderOption) {
		opt.TagName = tagName
	}
}

// WithWeaklyTypedInput 开关弱类型转换。
func WithWeaklyTypedInput(enabled bool) DecoderOptionFunc {
	return func(opt *DecoderOption) {
		opt.WeaklyTypedInput = &enabled
	}
}

// WithErrorUnused 目标结构体缺少对应字段时报错。
func WithErrorUnused(enabled bool) DecoderOptionFunc {
	return func(opt *DecoderOption) {
		opt.ErrorUnused = &enabled
	}
}

// WithDecodeHooks 追加自定义解码钩子。
func WithDecodeHooks(hooks ...mapstructure.DecodeHookFunc) DecoderOptionFunc {
	return func(opt *DecoderOption) {
		opt.DecodeHooks = append(opt.DecodeHooks, hooks...)
	}
}

// New 根据提供的选项创建一个 *Config 实例，配置在首次 Load 或 Unmarshal 时读取。
//
// 加载优先级: 环境变量 > 配置文件 > 默认值
func New(opts ...Option) (*Config, error) {
	options := &Options{
		Name:        "gcap",
		Type:        "yaml",
		Paths:       []string{".", "/etc/gcap/"},
		EnvPrefix:   "GCAP",
		EnvReplacer: strings.NewReplacer(".", "_"),
		DecoderOption: &DecoderOption{
			TagName: "json",
		},
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.Logger == nil {
		options.Logger = glog.Default().Module("gconfig")
	}

	v := viper.New()
	if options.File != "" {
		v.SetConfigFile(options.File)
	} else {
		v.SetConfigName(options.Name)
		v.SetConfigType(options.Type)
		for _, path := range options.Paths {
			v.AddConfigPath(path)
		}
	}
	for k, val := range options.Defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(options.EnvPrefix)
	v.SetEnvKeyReplacer(options.EnvReplacer)
	v.AutomaticEnv()

	return &Config{v: v, opts: options}, nil
}

// Unmarshal 将配置解析到 target 结构体中，必要时先执行 Load。
func (c *Config) Unmarshal(target interface{}, opts ...DecoderOptionFunc) error {
	if err := c.Load(); err != nil {
		return err
	}

	finalOpt := &DecoderOption{}
	if c.opts.DecoderOption != nil {
		*finalOpt = *c.opts.DecoderOption
		finalOpt.DecodeHooks = append([]mapstructure.DecodeHookFunc(nil), c.opts.DecoderOption.DecodeHooks...)
	}
	for _, opt := range opts {
		opt(finalOpt)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.Unmarshal(target, decoderConfigOption(finalOpt))
}

func decoderConfigOption(opt *DecoderOption) viper.DecoderConfigOption {
	return func(cfg *mapstructure.DecoderConfig) {
		if opt.TagName != "" {
			cfg.TagName = opt.TagName
		}
		if opt.WeaklyTypedInput != nil {
			cfg.WeaklyTypedInput = *opt.WeaklyTypedInput
		}
		if opt.ErrorUnused != nil {
			cfg.ErrorUnused = *opt.ErrorUnused
		}
		if len(opt.DecodeHooks) > 0 {
			hooks := append([]mapstructure.DecodeHookFunc(nil), opt.DecodeHooks...)
			// 保留 viper 自带的 duration 与切片钩子
			hooks = append(hooks,
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			)
			cfg.DecodeHook = mapstructure.ComposeDecodeHookFunc(hooks...)
		}
	}
}

// SetDefault 设置配置项的默认值。
func (c *Config) SetDefault(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v.SetDefault(key, value)
}

// Set 覆盖配置项，优先级最高。
func (c *Config) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v.Set(key, value)
}

// GetString 获取一个字符串类型的配置项。
func (c *Config) GetString(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetString(key)
}

// AllSettings 返回所有配置项的 map。
func (c *Config) AllSettings() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.AllSettings()
}

// ConfigFileUsed 返回实际读取的配置文件，未找到时为空。
func (c *Config) ConfigFileUsed() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fileUsed
}

// Load 读取配置文件。文件不存在不是错误，此时只使用环境变量与默认值。
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}

	if err := c.v.ReadInConfig(); err != nil {
		var nfErr viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &nfErr) && !errors.As(err, &pathErr) {
			return fmt.Errorf("gconfig: read config file: %w", err)
		}
		c.opts.Logger.Debugf("config file not found, searched %v for %s.%s", c.opts.Paths, c.opts.Name, c.opts.Type)
	} else {
		c.fileUsed = c.v.ConfigFileUsed()
		c.watch()
	}

	c.loaded = true
	return nil
}

// watch 监控本地配置文件变化。
func (c *Config) watch() {
	if c.opts.OnChangeCallback == nil {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c.opts.Logger.Infof("config file changed: %s", e.Name)
		c.opts.OnChangeCallback(c)
	})
	c.v.WatchConfig()
}
