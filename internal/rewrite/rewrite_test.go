// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package rewrite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"go.astrophena.name/dealfeed/internal/testutil"
)

func testRewriter(generate func(context.Context, string) (string, error)) *Rewriter {
	return &Rewriter{
		slog:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		generate: generate,
	}
}

func TestRewrite(t *testing.T) {
	t.Parallel()

	var prompt string
	r := testRewriter(func(_ context.Context, p string) (string, error) {
		prompt = p
		return "- Кроссовки\n- Цена на МП: 1290₽\n", nil
	})

	got := r.Rewrite(t.Context(), "Кроссовки всего за 1290₽, заказ у @manager")
	testutil.AssertEqual(t, got, "- Кроссовки\n- Цена на МП: 1290₽")

	if !strings.Contains(prompt, "Кроссовки всего за 1290₽, заказ у @manager") {
		t.Fatalf("prompt does not contain the original text: %q", prompt)
	}
	if !strings.Contains(prompt, "ФОРМАТ ОТВЕТА") {
		t.Fatalf("prompt does not contain the format instructions: %q", prompt)
	}
}

func TestRewriteFailure(t *testing.T) {
	t.Parallel()

	r := testRewriter(func(context.Context, string) (string, error) {
		return "", errors.New("model overloaded")
	})

	const text = "Кроссовки всего за 1290₽"
	testutil.AssertEqual(t, r.Rewrite(t.Context(), text), text)
}

func TestRewriteEmptyResponse(t *testing.T) {
	t.Parallel()

	r := testRewriter(func(context.Context, string) (string, error) {
		return " \n\t", nil
	})

	const text = "Кроссовки всего за 1290₽"
	testutil.AssertEqual(t, r.Rewrite(t.Context(), text), text)
}

func TestRewriteEmptyText(t *testing.T) {
	t.Parallel()

	r := testRewriter(func(context.Context, string) (string, error) {
		t.Fatal("generate must not be called for empty text")
		return "", nil
	})

	testutil.AssertEqual(t, r.Rewrite(t.Context(), ""), "")
}
