// internal/interaction/strategies.go
package interaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/courier-cli/internal/driver"
)

// clickStrategy is one way of clicking an element. Strategies are tried in
// order and the first success wins.
type clickStrategy struct {
	name  string
	click func(ctx context.Context, el driver.Element) error
}

var errNoEffect = errors.New("script reported no effect")

func (ix *Interactor) defaultClickStrategies() []clickStrategy {
	return []clickStrategy{
		{name: "script", click: ix.scriptClick},
		{name: "native", click: ix.drv.Click},
		{name: "pointer", click: ix.drv.MouseClick},
	}
}

func (ix *Interactor) scriptClick(ctx context.Context, el driver.Element) error {
	raw, err := ix.drv.ExecuteScript(ctx, ScriptClickScript, el)
	if err != nil {
		return err
	}
	if !driver.Truthy(raw) {
		return errNoEffect
	}
	return nil
}

// attempt runs a single strategy, turning a panic in it into an error so the
// next strategy still gets its turn.
func attempt(ctx context.Context, s clickStrategy, el driver.Element) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s strategy panicked: %v", s.name, r)
		}
	}()
	return s.click(ctx, el)
}
