package di

import (
	"sync"

	"github.com/aihub/rag-pipeline/internal/config"
	"github.com/aihub/rag-pipeline/internal/logger"
	"go.uber.org/dig"
	"go.uber.org/zap"
)

// Container 是依赖注入容器的全局实例
var Container *dig.Container

// InitContainer 初始化依赖注入容器
func InitContainer() *dig.Container {
	Container = dig.New()
	return Container
}

// GetContainer 获取依赖注入容器实例
func GetContainer() *dig.Container {
	return Container
}

// Invoke 封装dig.Invoke，提供更友好的接口
func Invoke(function interface{}, opts ...dig.InvokeOption) error {
	return Container.Invoke(function, opts...)
}

// Provide 封装dig.Provide，提供更友好的接口
func Provide(constructor interface{}, opts ...dig.ProvideOption) error {
	return Container.Provide(constructor, opts...)
}

// Build 初始化全局容器并注册全部提供者
func Build(cfg *config.Config) (*dig.Container, error) {
	container := InitContainer()
	if err := RegisterProviders(container, cfg); err != nil {
		return nil, err
	}
	return container, nil
}

// Closers 收集容器创建的连接，按创建的逆序关闭
type Closers struct {
	mu  sync.Mutex
	fns []namedCloser
}

type namedCloser struct {
	name string
	fn   func() error
}

// Add 登记一个需要关闭的资源
func (c *Closers) Add(name string, fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, namedCloser{name: name, fn: fn})
}

// Close 关闭全部资源，单个失败只记录日志
func (c *Closers) Close() {
	c.mu.Lock()
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i].fn(); err != nil {
			logger.Warn("failed to close resource", zap.String("resource", fns[i].name), zap.Error(err))
		}
	}
}

// Shutdown 关闭全局容器中已经创建的资源
func Shutdown() {
	if Container == nil {
		return
	}
	_ = Container.Invoke(func(c *Closers) { c.Close() })
}
