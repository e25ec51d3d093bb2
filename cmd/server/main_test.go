package main

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.viam.com/test"
)

func TestServerGracefulShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	requestStarted := make(chan struct{})
	releaseRequest := make(chan struct{})

	router := gin.New()
	router.GET("/slow", func(c *gin.Context) {
		close(requestStarted)
		<-releaseRequest
		c.String(http.StatusOK, "ok")
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, zap.NewNop(), listener, signalCh)
	}()

	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get("http://" + listener.Addr().String() + "/slow")
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-requestStarted:
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the handler")
	}

	signalCh <- syscall.SIGTERM
	close(releaseRequest)

	select {
	case resp := <-respCh:
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, string(body), test.ShouldEqual, "ok")
	case err := <-errCh:
		t.Fatalf("in-flight request failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight request did not finish")
	}

	select {
	case err := <-done:
		test.That(t, err, test.ShouldBeNil)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(enableCORS())
	router.POST("/predict", func(c *gin.Context) { c.Status(http.StatusTeapot) })

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodOptions, "/predict", nil))
	test.That(t, resp.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, resp.Header().Get("Access-Control-Allow-Origin"), test.ShouldEqual, "*")
}
