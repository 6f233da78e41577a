package strategy

import (
	"fmt"
	"plugin"

	fmerrors "foreman/internal/errors"
)

// pluginSymbol is the exported symbol a custom strategy plugin must provide:
//
//	var Strategy strategy.Strategy = ...
const pluginSymbol = "Strategy"

// Custom loads a user-supplied strategy from a Go plugin (.so) and delegates
// every call to it. Load and validation failures surface as
// CustomStrategyError with the module path attached.
type Custom struct {
	path     string
	delegate Strategy
}

// NewCustom returns an unloaded custom strategy wrapper.
func NewCustom() *Custom {
	return &Custom{}
}

func (c *Custom) Initialize(config Config) error {
	if config.ModulePath == "" {
		return &fmerrors.CustomStrategyError{
			Kind: fmerrors.CustomStrategyInvalid,
			Path: "",
			Err:  fmt.Errorf("module path is required"),
		}
	}
	c.path = config.ModulePath

	delegate, err := loadPlugin(config.ModulePath)
	if err != nil {
		return err
	}
	c.delegate = delegate

	if err := c.delegate.Initialize(config); err != nil {
		return &fmerrors.CustomStrategyError{
			Kind: fmerrors.CustomStrategyLoad,
			Path: config.ModulePath,
			Err:  err,
		}
	}
	return nil
}

func loadPlugin(path string) (Strategy, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, &fmerrors.CustomStrategyError{
			Kind: fmerrors.CustomStrategyLoad,
			Path: path,
			Err:  err,
		}
	}

	sym, err := p.Lookup(pluginSymbol)
	if err != nil {
		return nil, &fmerrors.CustomStrategyError{
			Kind: fmerrors.CustomStrategyNotFound,
			Path: path,
			Err:  err,
		}
	}

	// An exported `var Strategy Strategy` looks up as *Strategy.
	switch v := sym.(type) {
	case *Strategy:
		if *v == nil {
			return nil, &fmerrors.CustomStrategyError{
				Kind: fmerrors.CustomStrategyInvalid,
				Path: path,
				Err:  fmt.Errorf("exported %s is nil", pluginSymbol),
			}
		}
		return *v, nil
	case Strategy:
		return v, nil
	default:
		return nil, &fmerrors.CustomStrategyError{
			Kind: fmerrors.CustomStrategyInvalid,
			Path: path,
			Err:  fmt.Errorf("exported %s does not implement the strategy interface", pluginSymbol),
		}
	}
}

func (c *Custom) ShouldContinue(ctx *IterationContext) Decision {
	if c.delegate == nil {
		return Abort(fmt.Sprintf("custom strategy %s not loaded", c.path))
	}
	return c.delegate.ShouldContinue(ctx)
}

func (c *Custom) OnLoopStart(ctx *IterationContext) {
	if c.delegate != nil {
		c.delegate.OnLoopStart(ctx)
	}
}

func (c *Custom) OnIterationStart(ctx *IterationContext) {
	if c.delegate != nil {
		c.delegate.OnIterationStart(ctx)
	}
}

func (c *Custom) OnIterationEnd(ctx *IterationContext, decision Decision) {
	if c.delegate != nil {
		c.delegate.OnIterationEnd(ctx, decision)
	}
}

func (c *Custom) OnLoopEnd(ctx *IterationContext, decision Decision) {
	if c.delegate != nil {
		c.delegate.OnLoopEnd(ctx, decision)
	}
}

func (c *Custom) GetProgress(ctx *IterationContext) Progress {
	if c.delegate == nil {
		return Progress{Iteration: ctx.Iteration}
	}
	return c.delegate.GetProgress(ctx)
}

func (c *Custom) DetectLoop(ctx *IterationContext) LoopDetection {
	if c.delegate == nil {
		return LoopDetection{}
	}
	return c.delegate.DetectLoop(ctx)
}

func (c *Custom) Reset() {
	if c.delegate != nil {
		c.delegate.Reset()
	}
}
