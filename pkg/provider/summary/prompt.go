package summary

import (
	"fmt"
	"strings"
)

// Summary modes name the prompt template applied to a transcript. The mode
// travels in job metadata from the upload form or the stream-create body.
const (
	// ModeSimple asks for a one-field {"summary"} object.
	ModeSimple = "simple"

	// ModeMedical asks for a doctor-visit summary with main complaint,
	// diagnosis, and recommendation fields.
	ModeMedical = "medical"

	// ModeStructured asks for a detailed extraction record covering patient
	// info, symptoms, prescriptions, and follow-up plans.
	ModeStructured = "structured"

	// DefaultMode is applied when a job names no mode or an unknown one.
	DefaultMode = ModeMedical
)

const simpleTemplate = `아래 문장을 요약해주세요.

[텍스트]
%s

[요약 형식 (JSON)]
{
  "summary": "요약된 내용"
}

[지침]
* JSON 형식만 응답으로 반환하세요.
* 마크다운, 코드 블록, 추가 설명 없이 순수 JSON만 출력하세요.`

const medicalTemplate = `당신은 의사와 환자의 대화록을 분석하는 전문 의료 비서입니다.
다음 대화 내용을 바탕으로 핵심 내용을 요약해 주세요.

[대화록]
%s

[요약 형식 (JSON)]
{
  "main_complaint": "환자가 호소하는 주요 증상",
  "diagnosis": "의사의 소견 및 진단명",
  "recommendation": "처방, 검사 계획, 또는 생활 권고 사항"
}

[지침]
* JSON 형식만 응답으로 반환하세요.
* 마크다운, 코드 블록, 추가 설명 없이 순수 JSON만 출력하세요.
* 각 항목은 간결하게 1-2문장으로 작성하세요.

[응답 예시]
{
  "main_complaint": "3일 전부터 지속되는 두통과 어지러움",
  "diagnosis": "편두통 의심, 혈압 정상 범위",
  "recommendation": "타이레놀 복용, 충분한 휴식, 1주일 후 재방문"
}`

const structuredTemplate = `당신은 의료 대화록을 구조화된 데이터로 변환하는 전문 AI입니다.
다음 대화 내용에서 필요한 정보를 추출해 주세요.

[대화록]
%s

[추출 형식 (JSON)]
{
  "patient_info": {
    "age": "환자 나이 (언급되지 않으면 null)",
    "gender": "환자 성별 (언급되지 않으면 null)"
  },
  "symptoms": [
    "증상1",
    "증상2"
  ],
  "duration": "증상 지속 기간",
  "severity": "증상 심각도 (경증/중등도/중증)",
  "diagnosis": "의사의 진단명",
  "prescription": [
    "처방 약물1",
    "처방 약물2"
  ],
  "tests_ordered": [
    "검사 항목1"
  ],
  "follow_up": "추후 관리 계획",
  "lifestyle_advice": "생활 습관 권고 사항"
}

[지침]
* JSON 형식만 응답으로 반환하세요.
* 언급되지 않은 항목은 null 또는 빈 배열([])로 표시하세요.
* 배열 항목은 간결하게 작성하세요.`

var templates = map[string]string{
	ModeSimple:     simpleTemplate,
	ModeMedical:    medicalTemplate,
	ModeStructured: structuredTemplate,
}

// BuildPrompt renders the prompt template for the given mode over the
// transcript. Mode matching is case-insensitive; unknown or empty modes fall
// back to DefaultMode. Every template instructs the model to answer with a
// bare JSON object, which ExtractJSON then recovers from the reply.
func BuildPrompt(mode, transcript string) string {
	tmpl, ok := templates[strings.ToLower(mode)]
	if !ok {
		tmpl = templates[DefaultMode]
	}
	return fmt.Sprintf(tmpl, transcript)
}
