package nodes

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/control/internal/engine"
	"github.com/rendis/control/pkg/schema"
)

func stubType(tag string) engine.NodeType {
	return engine.NodeType{Tag: tag, Description: "stub " + tag, New: newNoop}
}

func TestRegistry_Register_Success(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(stubType("test")))
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("test"))

	got, err := reg.Get("test")
	require.NoError(t, err)
	assert.Equal(t, "test", got.Tag)
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(stubType("dup")))

	err := reg.Register(stubType("dup"))
	require.Error(t, err)

	var ce *schema.ControlError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.ErrCodeConflict, ce.Code)
}

func TestRegistry_Register_Invalid(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(engine.NodeType{New: newNoop})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = reg.Register(engine.NodeType{Tag: "no-ctor"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Equal(t, 0, reg.Count())
}

func TestRegistry_GetUnknown(t *testing.T) {
	_, err := NewRegistry().Get("missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))

	list := reg.List()
	require.Len(t, list, len(Builtins()))
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].Tag, list[i].Tag)
	}

	for _, info := range list {
		if info.Tag == TagWait {
			assert.Equal(t, "deferred", info.Mode)
		}
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reg.Register(stubType(string(rune('a' + i))))
			reg.Has("a")
			reg.List()
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, reg.Count())
}
