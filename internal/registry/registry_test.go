package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeter interface{ Greet() string }

type hello struct{}

func (hello) Greet() string { return "hello" }

func TestCreateRegistered(t *testing.T) {
	r := New[greeter]("task")
	r.Register("mod", "Hello", func() (greeter, error) { return hello{}, nil })

	g, err := r.Create("mod", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", g.Greet())
	assert.Equal(t, []Key{{Module: "mod", Class: "Hello"}}, r.Keys())
}

func TestCreateUnknown(t *testing.T) {
	r := New[greeter]("task")
	_, err := r.Create("mod", "Missing")
	assert.ErrorIs(t, err, ErrUnknownClass)
}

func TestCreateFactoryFailure(t *testing.T) {
	r := New[greeter]("task")
	boom := errors.New("boom")
	r.Register("mod", "Bad", func() (greeter, error) { return nil, boom })
	r.Register("mod", "Panics", func() (greeter, error) { panic("ctor") })

	_, err := r.Create("mod", "Bad")
	assert.ErrorIs(t, err, boom)

	_, err = r.Create("mod", "Panics")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: ctor")
}

func TestRegisterTwicePanics(t *testing.T) {
	r := New[greeter]("task")
	f := func() (greeter, error) { return hello{}, nil }
	r.Register("mod", "Hello", f)
	assert.Panics(t, func() { r.Register("mod", "Hello", f) })
}
