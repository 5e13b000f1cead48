package clarity_test

import (
	"testing"
	"time"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity/claritytest"
)

const artifactDoc = `<art:artifact xmlns:art="http://genologics.com/ri/artifact" xmlns:udf="http://genologics.com/ri/userdefined" uri="{root}/artifacts/2-1?state=10" limsid="2-1">
  <name>Sample A</name>
  <type>Analyte</type>
  <output-type>Analyte</output-type>
  <qc-flag>PASSED</qc-flag>
  <location><container uri="{root}/containers/27-1" limsid="27-1"/><value>A:1</value></location>
  <sample uri="{root}/samples/S1" limsid="S1"/>
  <udf:field name="Concentration" type="Numeric">1,5</udf:field>
  <udf:field name="Notes" type="String">fine</udf:field>
  <workflow-stages>
    <workflow-stage status="QUEUED" name="Library Prep" uri="{root}/configuration/workflows/1/stages/2"/>
    <workflow-stage status="QUEUED" name="QC" uri="{root}/configuration/workflows/1/stages/3"/>
    <workflow-stage status="IN_PROGRESS" name="QC" uri="{root}/configuration/workflows/1/stages/3"/>
  </workflow-stages>
</art:artifact>`

const stepDoc = `<stp:step xmlns:stp="http://genologics.com/ri/step" uri="{root}/steps/24-100" limsid="24-100" current-state="Placement">
  <configuration uri="{root}/configuration/protocols/1/steps/5">Library Prep</configuration>
  <actions uri="{root}/steps/24-100/actions"/>
  <placements uri="{root}/steps/24-100/placements"/>
  <program-status uri="{root}/steps/24-100/programstatus"/>
  <details uri="{root}/steps/24-100/details"/>
</stp:step>`

const protocolDoc = `<protcnf:protocol xmlns:protcnf="http://genologics.com/ri/protocolconfiguration" uri="{root}/configuration/protocols/1" name="Prep" index="1">
  <steps>
    <step uri="{root}/configuration/protocols/1/steps/5" name="Library Prep">
      <protocol-step-index>1</protocol-step-index>
      <transitions>
        <transition name="QC" sequence="2" next-step-uri="{root}/configuration/protocols/1/steps/7"/>
        <transition name="Normalization" sequence="1" next-step-uri="{root}/configuration/protocols/1/steps/6"/>
      </transitions>
    </step>
    <step uri="{root}/configuration/protocols/1/steps/6" name="Normalization">
      <protocol-step-index>2</protocol-step-index>
    </step>
  </steps>
</protcnf:protocol>`

func programStatusDoc(status, message string) string {
	return `<stp:program-status xmlns:stp="http://genologics.com/ri/step" uri="{root}/steps/24-100/programstatus">` +
		`<step uri="{root}/steps/24-100" rel="steps"/><status>` + status + `</status><message>` + message +
		`</message></stp:program-status>`
}

// fastPolling shortens automation polling for tests.
func fastPolling(o *clarity.Options) {
	o.PollInterval = time.Millisecond
}

func newServer(t *testing.T) (*claritytest.Server, *clarity.Session) {
	t.Helper()
	srv := claritytest.NewServer(t)
	return srv, srv.Session(t, fastPolling)
}
