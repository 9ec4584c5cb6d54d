package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/laomeifun/gemini-images/internal/core"
	"github.com/laomeifun/gemini-images/internal/transport"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func testEndpoint(baseURL string) Endpoint {
	return Endpoint{BaseURL: baseURL, APIKey: "secret", Model: "image-model", Timeout: 5 * time.Second}
}

func readBody(t *testing.T, r *http.Request) gjson.Result {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	return gjson.ParseBytes(body)
}

func TestChatStrategyRepeatsUntilCount(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		n := calls.Add(1)
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":[{"type":"image_url","image_url":{"url":"data:image/png;base64,SU1H%d"}}]}}]}`, n)
	}))
	defer server.Close()

	strategy := NewChatStrategy(testEndpoint(server.URL+"/v1"), transport.NewClient(nil), nil, nil)
	images, err := NewAdapter(nil, nil, strategy, nil).GenerateImages(context.Background(), ModeChat, Request{Prompt: "p", Count: 3})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, images, 3)
	assert.Equal(t, "SU1H1", images[0].Base64)
	assert.Equal(t, "SU1H3", images[2].Base64)
}

func TestChatStrategyStopsWhenCountReachedAndTruncates(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"choices":[{"message":{"images":[
			{"type":"image_url","image_url":{"url":"data:image/png;base64,QQ=="}},
			{"type":"image_url","image_url":{"url":"data:image/png;base64,Qg=="}},
			{"type":"image_url","image_url":{"url":"data:image/png;base64,Qw=="}}
		]}}]}`)
	}))
	defer server.Close()

	images, err := NewChatStrategy(testEndpoint(server.URL), transport.NewClient(nil), nil, nil).
		Generate(context.Background(), Request{Prompt: "p", Count: 2})

	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, images, 2)
}

func TestChatStrategyConcatenatesAllShapes(t *testing.T) {
	jpeg := base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff, 0xe0})

	mux := http.NewServeMux()
	mux.HandleFunc("/remote.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"choices":[
			{"message":{"content":[
				{"type":"text","text":"here you go"},
				{"type":"image_url","image_url":{"url":"data:image/webp;base64,V0VCUA=="}},
				{"type":"image","inline_data":{"mime_type":"image/jpeg","data":%q}}
			],"images":[{"image_url":{"url":"%s/remote.png"}}]}},
			{"message":{"content":"Done ![img](data:image/gif;base64,R0lGODlh) and ![b](%s/remote.png)"}}
		]}`, jpeg, server.URL, server.URL)
	})

	images, err := NewChatStrategy(testEndpoint(server.URL), transport.NewClient(nil), nil, nil).
		Generate(context.Background(), Request{Prompt: "p", Count: 5})

	require.NoError(t, err)
	require.Len(t, images, 5)
	assert.Equal(t, "image/webp", images[0].MimeType)
	assert.Equal(t, "image/jpeg", images[1].MimeType)
	assert.Equal(t, "image/png", images[2].MimeType)
	assert.Equal(t, "image/gif", images[3].MimeType)
	assert.Equal(t, "image/png", images[4].MimeType)
}

func TestChatStrategyRequestShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := readBody(t, r)

		assert.Equal(t, "image-model", body.Get("model").String())
		messages := body.Get("messages").Array()
		require.Len(t, messages, 3)

		assert.Equal(t, "user", messages[0].Get("role").String())
		assert.Equal(t, "a red circle", messages[0].Get("content").String())

		assert.Equal(t, "assistant", messages[1].Get("role").String())
		assert.Equal(t, "image_url", messages[1].Get("content.0.type").String())
		assert.Equal(t, "data:image/png;base64,UkVE", messages[1].Get("content.0.image_url.url").String())

		assert.Equal(t, "make it blue", messages[2].Get("content.0.text").String())
		assert.Equal(t, "data:image/png;base64,UkVE", messages[2].Get("content.1.image_url.url").String())

		fmt.Fprint(w, `{"choices":[{"message":{"content":[{"type":"image_url","image_url":{"url":"data:image/png;base64,QkxVRQ=="}}]}}]}`)
	}))
	defer server.Close()

	history := []core.Message{
		{Role: core.RoleUser, Parts: []core.ContentPart{core.TextPart("a red circle")}},
		{Role: core.RoleAssistant, Parts: []core.ContentPart{core.ImagePart(redImage)}},
		{Role: core.RoleAssistant, Parts: []core.ContentPart{{Type: core.PartImage, Path: "unresolved.png"}}},
	}

	_, err := NewChatStrategy(testEndpoint(server.URL), transport.NewClient(nil), nil, nil).
		Generate(context.Background(), Request{Prompt: "make it blue", Count: 1, History: history, InputImage: &redImage})
	require.NoError(t, err)
}

func TestChatStrategyNoImages(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"I cannot draw that."}}]}`)
	}))
	defer server.Close()

	_, err := NewChatStrategy(testEndpoint(server.URL), transport.NewClient(nil), nil, nil).
		Generate(context.Background(), Request{Prompt: "p", Count: 2})

	assert.Equal(t, core.KindNoImagesProduced, core.KindOf(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestNativeStrategy(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1beta/models/image-model:generateContent", r.URL.Path)

		body := readBody(t, r)
		contents := body.Get("contents").Array()
		require.Len(t, contents, 3)
		assert.Equal(t, "user", contents[0].Get("role").String())
		assert.Equal(t, "model", contents[1].Get("role").String())
		assert.Equal(t, "UkVE", contents[1].Get("parts.0.inlineData.data").String())
		assert.Equal(t, "make it blue", contents[2].Get("parts.0.text").String())
		assert.Equal(t, "16:9", body.Get("generationConfig.imageConfig.aspectRatio").String())
		assert.Equal(t, "IMAGE", body.Get("generationConfig.responseModalities.1").String())

		fmt.Fprint(w, `{"candidates":[
			{"content":{"parts":[{"text":"sure"},{"inlineData":{"mimeType":"image/png","data":"QQ=="}}]}},
			{"content":{"parts":[{"inline_data":{"mime_type":"image/jpeg","data":"Qg=="}}]}}
		]}`)
	}))
	defer server.Close()

	history := []core.Message{
		{Role: core.RoleUser, Parts: []core.ContentPart{core.TextPart("a red circle")}},
		{Role: core.RoleAssistant, Parts: []core.ContentPart{core.ImagePart(redImage)}},
	}

	images, err := NewNativeStrategy(testEndpoint(server.URL+"/v1beta"), transport.NewClient(nil), nil, nil).
		Generate(context.Background(), Request{Prompt: "make it blue", Size: "1920x1080", Count: 3, History: history})

	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, images, 4)
	assert.Equal(t, "image/png", images[0].MimeType)
	assert.Equal(t, "image/jpeg", images[1].MimeType)
}

func TestNativeStrategyOmitsUnmatchedAspectRatio(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := readBody(t, r)
		assert.False(t, body.Get("generationConfig.imageConfig").Exists())
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"QQ=="}}]}}]}`)
	}))
	defer server.Close()

	images, err := NewNativeStrategy(testEndpoint(server.URL), transport.NewClient(nil), nil, nil).
		Generate(context.Background(), Request{Prompt: "p", Size: "4000x1000", Count: 1})

	require.NoError(t, err)
	assert.Len(t, images, 1)
}

func TestImagesStrategy(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/hosted.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	})
	mux.HandleFunc("/v1/images/generations", func(w http.ResponseWriter, r *http.Request) {
		body := readBody(t, r)
		assert.Equal(t, "image-model", body.Get("model").String())
		assert.Equal(t, "a red circle", body.Get("prompt").String())
		assert.Equal(t, int64(2), body.Get("n").Int())
		assert.Equal(t, "1024x1024", body.Get("size").String())
		assert.Equal(t, "b64_json", body.Get("response_format").String())
		assert.False(t, body.Get("image").Exists())

		json.NewEncoder(w).Encode(map[string]any{
			"output_format": "webp",
			"data": []map[string]any{
				{"b64_json": "UklGRg=="},
				{"url": server.URL + "/hosted.png"},
			},
		})
	})

	images, err := NewImagesStrategy(testEndpoint(server.URL+"/v1"), transport.NewClient(nil), nil, nil).
		Generate(context.Background(), Request{Prompt: "a red circle", Size: "1024x1024", Count: 2})

	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, core.Image{Base64: "UklGRg==", MimeType: "image/webp"}, images[0])
	assert.Equal(t, "image/png", images[1].MimeType)
	assert.Equal(t, base64.StdEncoding.EncodeToString(pngBytes), images[1].Base64)
}

func TestImagesStrategyClassifiesRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"unknown route"}}`)
	}))
	defer server.Close()

	_, err := NewImagesStrategy(testEndpoint(server.URL), transport.NewClient(nil), nil, nil).
		Generate(context.Background(), Request{Prompt: "p", Count: 1})

	var classified *core.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, core.KindUpstreamRejected, classified.Kind)
	assert.Equal(t, http.StatusNotFound, classified.Status)
	assert.Contains(t, classified.Body, "unknown route")
	assert.True(t, fallbackEligible(err))
}

func TestAutoFallbackOverHTTP(t *testing.T) {
	var chatCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/images/generations", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/models/image-model:generateContent", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"QQ=="}}]}}]}`)
	})
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		chatCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := New(testEndpoint(server.URL), transport.NewClient(nil), nil, nil)
	images, err := adapter.GenerateImages(context.Background(), ModeAuto, Request{Prompt: "a red circle", Count: 1})

	require.NoError(t, err)
	assert.Equal(t, []core.Image{{Base64: "QQ==", MimeType: "image/png"}}, images)
	assert.Equal(t, int32(0), chatCalls.Load())
}

func TestAutoKeepsImagesErrorWhenDownloadFails(t *testing.T) {
	var nativeCalls, chatCalls atomic.Int32
	mux := http.NewServeMux()
	var serverURL string
	mux.HandleFunc("/images/generations", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":[{"url":%q}]}`, serverURL+"/blob/missing.png")
	})
	mux.HandleFunc("/blob/missing.png", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/models/image-model:generateContent", func(w http.ResponseWriter, r *http.Request) {
		nativeCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		chatCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	serverURL = server.URL

	adapter := New(testEndpoint(server.URL), transport.NewClient(nil), nil, nil)
	_, err := adapter.GenerateImages(context.Background(), ModeAuto, Request{Prompt: "a red circle", Count: 1})

	require.Error(t, err)
	assert.Equal(t, core.KindUpstreamRejected, core.KindOf(err))
	assert.Equal(t, http.StatusNotFound, core.HTTPStatus(err))
	assert.Contains(t, err.Error(), "/blob/missing.png")
	assert.False(t, fallbackEligible(err))
	assert.Equal(t, int32(0), nativeCalls.Load())
	assert.Equal(t, int32(0), chatCalls.Load())
}
