package llm

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Doer 是 Caller 依赖的最小 HTTP 能力，*http.Client 天然满足。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	idleConnTimeout     = 30 * time.Second
	maxIdleConns        = 1000
	maxIdleConnsPerHost = 100
)

var (
	sharedInits  atomic.Int32
	sharedClient = sync.OnceValue(newSharedClient)
)

// SharedClient 返回进程级复用的 HTTP 客户端。首次调用时构造，并发的首次调用也只会构造一次，
// 之后在进程生命周期内不会被关闭。客户端本身不设置超时。
func SharedClient() *http.Client {
	return sharedClient()
}

// sharedClientInits 返回共享客户端被构造的次数，用于验证懒加载只发生一次。
func sharedClientInits() int {
	return int(sharedInits.Load())
}

func newSharedClient() *http.Client {
	sharedInits.Add(1)
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          maxIdleConns,
			MaxIdleConnsPerHost:   maxIdleConnsPerHost,
			IdleConnTimeout:       idleConnTimeout,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}
