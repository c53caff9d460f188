package logging

import (
	"testing"

	"github.com/run2c/vnet/config"
	"github.com/run2c/vnet/util"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure_Level(t *testing.T) {
	c := config.NewC(util.NewTestLogger())
	require.NoError(t, c.LoadString("logging:\n  level: debug"))

	l := logrus.New()
	require.NoError(t, Configure(l, c))
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
}

func TestConfigure_UnknownLevel(t *testing.T) {
	c := config.NewC(util.NewTestLogger())
	require.NoError(t, c.LoadString("logging:\n  level: extremely-loud"))

	l := logrus.New()
	assert.Error(t, Configure(l, c))
}

func TestConfigure_JSONFormat(t *testing.T) {
	c := config.NewC(util.NewTestLogger())
	require.NoError(t, c.LoadString("logging:\n  format: json"))

	l := logrus.New()
	require.NoError(t, Configure(l, c))
	_, ok := l.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
}

func TestConfigure_UnknownFormat(t *testing.T) {
	c := config.NewC(util.NewTestLogger())
	require.NoError(t, c.LoadString("logging:\n  format: carrier-pigeon"))

	l := logrus.New()
	assert.Error(t, Configure(l, c))
}
