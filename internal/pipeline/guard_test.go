package pipeline_test

import (
	"testing"

	"github.com/carevox/carevox/internal/pipeline"
)

func TestGuardClean_PassesNormalSpeech(t *testing.T) {
	t.Parallel()

	g := pipeline.NewGuard()
	in := "무릎이 아파서 왔어요"
	if got := g.Clean(in); got != in {
		t.Fatalf("Clean(%q) = %q, want unchanged", in, got)
	}
}

func TestGuardClean_SuppressesRepeatedRune(t *testing.T) {
	t.Parallel()

	g := pipeline.NewGuard()
	if got := g.Clean("ㅋㅋㅋㅋㅋㅋㅋㅋㅋㅋ"); got != "" {
		t.Fatalf("Clean = %q, want empty", got)
	}
}

func TestGuardClean_KeepsShortRepetition(t *testing.T) {
	t.Parallel()

	// Three runes is below the length floor; repetition is legitimate.
	g := pipeline.NewGuard()
	if got := g.Clean("네네네"); got != "네네네" {
		t.Fatalf("Clean = %q, want %q", got, "네네네")
	}
}

func TestGuardClean_RepetitionIgnoresWhitespace(t *testing.T) {
	t.Parallel()

	g := pipeline.NewGuard()
	if got := g.Clean("ㅋ ㅋ ㅋ ㅋ ㅋ ㅋ ㅋ ㅋ ㅋ ㅋ"); got != "" {
		t.Fatalf("Clean = %q, want empty", got)
	}
}

func TestGuardClean_RepetitionRatioBoundary(t *testing.T) {
	t.Parallel()

	// Ten runes, two unique: ratio exactly 0.2 is rejected.
	g := pipeline.NewGuard()
	if got := g.Clean("ㅋㅋㅋㅋㅋㅎㅎㅎㅎㅎ"); got != "" {
		t.Fatalf("Clean = %q, want empty", got)
	}
}

func TestGuardClean_KeepsLongVariedSpeech(t *testing.T) {
	t.Parallel()

	g := pipeline.NewGuard()
	in := "환자분 혈압이 정상 범위입니다"
	if got := g.Clean(in); got != in {
		t.Fatalf("Clean(%q) = %q, want unchanged", in, got)
	}
}

func TestGuardClean_SuppressesRepeatedBanPhrase(t *testing.T) {
	t.Parallel()

	g := pipeline.NewGuard()
	in := "오늘도 시청해주셔서 감사합니다 여러분 시청해주셔서 감사합니다"
	if got := g.Clean(in); got != "" {
		t.Fatalf("Clean = %q, want empty", got)
	}
}

func TestGuardClean_SuppressesExactBanPhrase(t *testing.T) {
	t.Parallel()

	// A single occurrence that IS the whole result is caught by the
	// similarity rule at score 1.0.
	g := pipeline.NewGuard()
	if got := g.Clean("시청해주셔서 감사합니다"); got != "" {
		t.Fatalf("Clean = %q, want empty", got)
	}
}

func TestGuardClean_SuppressesNearBanPhrase(t *testing.T) {
	t.Parallel()

	g := pipeline.NewGuard()
	if got := g.Clean("시청해주셔서 감사합니다!"); got != "" {
		t.Fatalf("Clean = %q, want empty", got)
	}
}

func TestGuardClean_KeepsUnrelatedSpeech(t *testing.T) {
	t.Parallel()

	g := pipeline.NewGuard()
	in := "혈압이 조금 높네요"
	if got := g.Clean(in); got != in {
		t.Fatalf("Clean(%q) = %q, want unchanged", in, got)
	}
}

func TestGuardClean_EmptyAndWhitespace(t *testing.T) {
	t.Parallel()

	g := pipeline.NewGuard()
	if got := g.Clean(""); got != "" {
		t.Fatalf("Clean(empty) = %q, want empty", got)
	}
	if got := g.Clean("   "); got != "" {
		t.Fatalf("Clean(spaces) = %q, want empty", got)
	}
}

func TestGuardClean_CustomBanPhrases(t *testing.T) {
	t.Parallel()

	g := pipeline.NewGuard(pipeline.WithBanPhrases("다음 영상에서 만나요"))
	if got := g.Clean("다음 영상에서 만나요"); got != "" {
		t.Fatalf("Clean = %q, want empty for custom phrase", got)
	}
	// The default phrases no longer apply.
	in := "시청해주셔서 감사합니다"
	if got := g.Clean(in); got != in {
		t.Fatalf("Clean(%q) = %q, want unchanged when defaults replaced", in, got)
	}
}

func TestGuardClean_NoBanPhrases(t *testing.T) {
	t.Parallel()

	g := pipeline.NewGuard(pipeline.WithBanPhrases())
	in := "시청해주셔서 감사합니다"
	if got := g.Clean(in); got != in {
		t.Fatalf("Clean(%q) = %q, want unchanged with filtering disabled", in, got)
	}
	// Repetition is still checked.
	if got := g.Clean("ㅋㅋㅋㅋㅋㅋㅋㅋㅋㅋ"); got != "" {
		t.Fatalf("Clean = %q, want empty", got)
	}
}

func TestGuardClean_BanSimilarityOption(t *testing.T) {
	t.Parallel()

	// At threshold 1.0 only an exact match is rejected.
	g := pipeline.NewGuard(pipeline.WithBanSimilarity(1.0))
	in := "시청해주셔서 감사합니다!"
	if got := g.Clean(in); got != in {
		t.Fatalf("Clean(%q) = %q, want unchanged at threshold 1.0", in, got)
	}
	if got := g.Clean("시청해주셔서 감사합니다"); got != "" {
		t.Fatalf("Clean(exact) = %q, want empty", got)
	}
}

func TestGuardClean_RepetitionRatioOption(t *testing.T) {
	t.Parallel()

	// Raising the floor to 12 runes lets a 10-rune repetition through.
	g := pipeline.NewGuard(pipeline.WithRepetitionRatio(0.2, 12))
	in := "ㅋㅋㅋㅋㅋㅋㅋㅋㅋㅋ"
	if got := g.Clean(in); got != in {
		t.Fatalf("Clean(%q) = %q, want unchanged below floor", in, got)
	}
}
