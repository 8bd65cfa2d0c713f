package segment

import (
	"math/rand"
	"strings"
	"testing"
)

// collect 以任意增量切分方式跑完整个输入，返回全部输出块。
func collect(s *Segmenter, deltas []string) []string {
	var (
		chunks []string
		carry  string
	)
	for _, delta := range deltas {
		var out []string
		out, carry = s.Segment(carry, delta)
		chunks = append(chunks, out...)
	}
	if final, ok := s.Flush(carry); ok {
		chunks = append(chunks, final)
	}
	return chunks
}

func TestSegmentEmitsOnPunctuationBoundary(t *testing.T) {
	s := New()
	chunks, carry := s.Segment("", "今天天气真的非常不错，我们一起出门散散步走走吧。剩下")

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0] != "今天天气真的非常不错，" {
		t.Fatalf("unexpected first chunk: %q", chunks[0])
	}
	if chunks[1] != "我们一起出门散散步走走吧。" {
		t.Fatalf("unexpected second chunk: %q", chunks[1])
	}
	if carry != "剩下" {
		t.Fatalf("unexpected carry: %q", carry)
	}
}

func TestShortClauseAbsorbedIntoNextBoundary(t *testing.T) {
	s := New()
	chunks, carry := s.Segment("", "你好，很高兴认识你，今天想聊点什么。")

	// “你好，”不足阈值，应并入后续子句。
	if len(chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}
	if !strings.HasPrefix(chunks[0], "你好，") {
		t.Fatalf("short clause should be absorbed, got %q", chunks[0])
	}
	if carry != "" {
		t.Fatalf("unexpected carry: %q", carry)
	}
}

func TestFlushEmitsRemainderUnconditionally(t *testing.T) {
	s := New()
	if final, ok := s.Flush("short"); !ok || final != "short" {
		t.Fatalf("flush should emit remainder, got %q ok=%v", final, ok)
	}
	if _, ok := s.Flush(""); ok {
		t.Fatalf("flush of empty carry should report nothing")
	}
}

func TestEveryChunkEndsOnBoundary(t *testing.T) {
	s := New()
	input := "春儿擅长弹古筝和琵琶，也擅长舞剑！她喜欢古典文学。Hello there, nice to meet you. 最后一句没有结尾"
	chunks := collect(s, []string{input})

	for i, chunk := range chunks[:len(chunks)-1] {
		runes := []rune(chunk)
		if !IsBoundary(runes[len(runes)-1]) {
			t.Fatalf("chunk %d does not end on a boundary: %q", i, chunk)
		}
	}
}

func TestChunkingIndependentOfDeltaBoundaries(t *testing.T) {
	s := New()
	input := "你的名字叫春儿，英文名Chuner。你十八岁，来自南宋奉贤！你擅长弹古筝和琵琶，擅长舞剑；喜欢古典文学。每次回答问题你都要喊一声爸爸。tail"
	want := collect(s, []string{input})

	rng := rand.New(rand.NewSource(7))
	runes := []rune(input)
	for trial := 0; trial < 50; trial++ {
		var deltas []string
		rest := runes
		for len(rest) > 0 {
			n := 1 + rng.Intn(len(rest))
			deltas = append(deltas, string(rest[:n]))
			rest = rest[n:]
		}

		got := collect(s, deltas)
		if strings.Join(got, "") != strings.Join(want, "") {
			t.Fatalf("trial %d: concatenation differs\n got: %v\nwant: %v", trial, got, want)
		}
		if len(got) != len(want) {
			t.Fatalf("trial %d: chunk count differs: got %d want %d", trial, len(got), len(want))
		}
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("trial %d: chunk %d differs: got %q want %q", trial, i, got[i], want[i])
			}
		}
	}
}

func TestNoCharacterDroppedOrReordered(t *testing.T) {
	s := &Segmenter{MinChunkRunes: 4}
	input := "a,bb.ccc!dddd;eeeee:ffffff，ggggggg。"
	chunks := collect(s, []string{input})

	if strings.Join(chunks, "") != input {
		t.Fatalf("concatenated chunks differ from input:\n got %q\nwant %q", strings.Join(chunks, ""), input)
	}
}
