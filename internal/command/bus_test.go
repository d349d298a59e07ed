package command

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct{ calls []string }

func (r *recorder) Reset()              { r.calls = append(r.calls, "reset") }
func (r *recorder) KeyPress(key string) { r.calls = append(r.calls, "key:"+key) }
func (r *recorder) Stop()               { r.calls = append(r.calls, "stop") }
func (r *recorder) SetMapping(on bool) {
	if on {
		r.calls = append(r.calls, "mapping:on")
	} else {
		r.calls = append(r.calls, "mapping:off")
	}
}

func TestBus_Vocabulary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want []string
	}{
		{"reset", []string{"reset"}},
		{"  Reset ", []string{"reset"}},
		{"quit", []string{"stop"}},
		{"exit", []string{"stop"}},
		{"Space", []string{"key:Space"}},
		{"space", []string{"key:Space"}},
		{"r", []string{"key:r"}},
		{"KeyPress Space", []string{"key:Space"}},
		{"keypress r", []string{"key:r"}},
		{"mapping off", []string{"mapping:off"}},
		{"mapping ON", []string{"mapping:on"}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			r := &recorder{}
			require.NoError(t, NewBus(r).Apply(tt.text))
			if diff := cmp.Diff(tt.want, r.calls); diff != "" {
				t.Errorf("calls mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBus_UnknownCommands(t *testing.T) {
	t.Parallel()
	r := &recorder{}
	b := NewBus(r)

	for _, text := range []string{"", "   ", "fly", "R", "reset now", "keypress q", "mapping maybe", "quit please"} {
		err := b.Apply(text)
		assert.ErrorIs(t, err, ErrUnknownCommand, "text %q", text)
	}
	assert.Empty(t, r.calls, "rejected commands reach nothing")

	applied, rejected := b.Counts()
	assert.Zero(t, applied)
	assert.Equal(t, uint64(8), rejected)
}

func TestBus_MappingToggle(t *testing.T) {
	t.Parallel()
	r := &recorder{}
	b := NewBus(r)

	require.NoError(t, b.Apply("mapping toggle"))
	require.NoError(t, b.Apply("mapping toggle"))
	require.NoError(t, b.Apply("mapping off"))
	require.NoError(t, b.Apply("mapping toggle"))

	assert.Equal(t, []string{"mapping:off", "mapping:on", "mapping:off", "mapping:on"}, r.calls)
	applied, _ := b.Counts()
	assert.Equal(t, uint64(4), applied)
	assert.NotEmpty(t, Vocabulary())
}

type journal struct {
	texts []string
	errs  []error
}

func (j *journal) RecordCommand(text string, err error) error {
	j.texts = append(j.texts, text)
	j.errs = append(j.errs, err)
	return nil
}

func TestBus_Journal(t *testing.T) {
	t.Parallel()
	j := &journal{}
	b := NewBus(&recorder{})
	b.SetJournal(j)

	require.NoError(t, b.Apply("reset"))
	require.Error(t, b.Apply("dance"))

	if diff := cmp.Diff([]string{"reset", "dance"}, j.texts); diff != "" {
		t.Errorf("journal texts (-want +got):\n%s", diff)
	}
	assert.NoError(t, j.errs[0])
	assert.ErrorIs(t, j.errs[1], ErrUnknownCommand)
}
