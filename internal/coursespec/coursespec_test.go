package coursespec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSpec = `<?xml version="1.0"?>
<course>
  <name><de>Einführung</de><en>Introduction</en></name>
  <prog-lang>python</prog-lang>
  <description><de>Kurs</de><en>Course</en></description>
  <sections>
    <section>
      <name><de>Grundlagen</de><en>Basics</en></name>
      <topics>
        <topic id="t1"/>
        <topic id="t2"/>
      </topics>
    </section>
  </sections>
  <output-targets>
    <output-target name="students">
      <path>out/students</path>
      <kinds><kind>code-along</kind></kinds>
      <formats><format>html</format><format>notebook</format></formats>
    </output-target>
    <output-target name="solutions">
      <path>out/solutions</path>
      <kinds><kind>completed</kind></kinds>
    </output-target>
  </output-targets>
</course>`

func writeSpec(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "course.xml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseAndTopicIDs(t *testing.T) {
	path := writeSpec(t, sampleSpec)

	course, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, "python", course.ProgLang)
	assert.Equal(t, "Introduction", course.Name.EN)
	assert.Equal(t, []string{"t1", "t2"}, course.TopicIDs())
}

func TestOutputTargetsParsesFilters(t *testing.T) {
	path := writeSpec(t, sampleSpec)
	course, err := Parse(path)
	require.NoError(t, err)

	targets, err := course.OutputTargets("out/default")
	require.NoError(t, err)
	require.Len(t, targets, 2)

	students := targets[0]
	assert.Equal(t, "students", students.Name)
	assert.True(t, students.Admits("de", "html", "code-along"))
	assert.False(t, students.Admits("de", "html", "completed"))
}

func TestOutputTargetsDuplicateNameIsConfigurationError(t *testing.T) {
	const dup = `<?xml version="1.0"?>
<course>
  <prog-lang>python</prog-lang>
  <output-targets>
    <output-target name="a"><path>p1</path></output-target>
    <output-target name="a"><path>p2</path></output-target>
  </output-targets>
</course>`
	path := writeSpec(t, dup)
	course, err := Parse(path)
	require.NoError(t, err)

	_, err = course.OutputTargets("out/default")
	require.Error(t, err)
	var dupErr *ErrDuplicateTarget
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, "name", dupErr.Field)
}

func TestDefaultTargetWhenNoneDeclared(t *testing.T) {
	const noTargets = `<?xml version="1.0"?>
<course><prog-lang>python</prog-lang></course>`
	path := writeSpec(t, noTargets)
	course, err := Parse(path)
	require.NoError(t, err)

	targets, err := course.OutputTargets("out/default")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "default", targets[0].Name)
	assert.True(t, targets[0].Admits("en", "code", "speaker"))
}
