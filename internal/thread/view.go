package thread

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oziev02/commentsync/internal/domain"
	"github.com/oziev02/commentsync/internal/gateway"
)

// RemoteStore граница удалённого хранилища, источника истины
type RemoteStore interface {
	ListThread(ctx context.Context, threadID, viewerID string) ([]domain.Comment, error)
	CreateComment(ctx context.Context, in domain.CreateCommentInput) (*domain.Comment, error)
	UpdateComment(ctx context.Context, id int64, content string) (*domain.Comment, error)
	DeleteComment(ctx context.Context, id int64) error
	SetLike(ctx context.Context, commentID int64, userID string, liked bool, intentKey string) (*domain.LikeState, error)
}

// View представление одного треда. Всё состояние принадлежит единственной
// горутине цикла событий; остальные компоненты отправляют в неё задачи.
type View struct {
	threadID string
	viewerID string
	remote   RemoteStore
	push     gateway.PushChannel
	logger   *slog.Logger
	metrics  *Metrics
	settings settings

	// состояние цикла
	store      *Store
	tracks     map[ID]*track
	adds       map[string]ID
	orphans    map[ID]*orphan
	hidden     map[ID]*hiddenSubtree
	tombstones map[ID]struct{}
	futures    map[*Future]struct{}
	channelErr error

	work     chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	wg       sync.WaitGroup
	opened   atomic.Bool
	closed   sync.Once
	resyncs  singleflight.Group
	gw       *gateway.Gateway

	listenersMu sync.Mutex
	listeners   map[int]chan struct{}
	nextID      int
}

type settings struct {
	remoteTimeout time.Duration
	orphanTimeout time.Duration
	loopBuffer    int
	gateway       gateway.Config
	now           func() time.Time
}

// Option настраивает View
type Option func(*View)

// WithPushChannel подключает push-канал; без него представление работает
// только на подтверждениях собственных запросов
func WithPushChannel(ch gateway.PushChannel) Option {
	return func(v *View) {
		v.push = ch
	}
}

// WithLogger задаёт логгер
func WithLogger(logger *slog.Logger) Option {
	return func(v *View) {
		v.logger = logger
	}
}

// WithMetrics задаёт метрики
func WithMetrics(m *Metrics) Option {
	return func(v *View) {
		v.metrics = m
	}
}

// WithRemoteTimeout ограничивает каждый вызов удалённого хранилища
func WithRemoteTimeout(d time.Duration) Option {
	return func(v *View) {
		v.settings.remoteTimeout = d
	}
}

// WithOrphanTimeout задаёт, сколько ждать родителя сироты
func WithOrphanTimeout(d time.Duration) Option {
	return func(v *View) {
		v.settings.orphanTimeout = d
	}
}

// WithLoopBuffer задаёт размер очереди цикла событий
func WithLoopBuffer(n int) Option {
	return func(v *View) {
		v.settings.loopBuffer = n
	}
}

// WithGatewayConfig задаёт параметры переподключения push-канала
func WithGatewayConfig(cfg gateway.Config) Option {
	return func(v *View) {
		v.settings.gateway = cfg
	}
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(v *View) {
		v.settings.now = now
	}
}

// NewView создает представление треда от имени viewerID. До Open
// представление не обслуживает запросы.
func NewView(threadID, viewerID string, remote RemoteStore, opts ...Option) *View {
	v := &View{
		threadID: threadID,
		viewerID: viewerID,
		remote:   remote,
		logger:   slog.Default(),
		settings: settings{
			remoteTimeout: 10 * time.Second,
			orphanTimeout: 30 * time.Second,
			loopBuffer:    64,
			gateway:       gateway.DefaultConfig(),
			now:           time.Now,
		},
		store:      NewStore(),
		tracks:     make(map[ID]*track),
		adds:       make(map[string]ID),
		orphans:    make(map[ID]*orphan),
		hidden:     make(map[ID]*hiddenSubtree),
		tombstones: make(map[ID]struct{}),
		futures:    make(map[*Future]struct{}),
		loopDone:   make(chan struct{}),
		listeners:  make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("thread_id", threadID)
	v.work = make(chan func(), max(v.settings.loopBuffer, 1))
	v.ctx, v.cancel = context.WithCancel(context.Background())
	return v
}

// ThreadID возвращает идентификатор треда
func (v *View) ThreadID() string {
	return v.threadID
}

// Open загружает тред, запускает цикл событий и подписку на push-канал
func (v *View) Open(ctx context.Context) error {
	if !v.opened.CompareAndSwap(false, true) {
		return errors.New("thread view already opened")
	}

	loadCtx, cancel := context.WithTimeout(ctx, v.settings.remoteTimeout)
	records, err := v.remote.ListThread(loadCtx, v.threadID, v.viewerID)
	cancel()
	if err != nil {
		v.opened.Store(false)
		return fmt.Errorf("load thread %s: %w", v.threadID, err)
	}

	comments := make([]Comment, 0, len(records))
	for _, r := range records {
		comments = append(comments, FromRecord(r))
	}
	forest := BuildForest(comments)
	if len(forest.Dangling) > 0 {
		v.logger.Warn("thread has comments with missing parents", "dangling", len(forest.Dangling))
		v.metrics.danglingPromoted(len(forest.Dangling))
	}
	if err := v.store.Load(v.threadID, forest.Roots); err != nil {
		v.opened.Store(false)
		return fmt.Errorf("load thread %s: %w", v.threadID, err)
	}

	go v.loop()

	if v.push != nil {
		v.gw = gateway.New(v.threadID, v.push, gatewayHandler{v}, v.settings.gateway,
			gateway.WithLogger(v.logger),
			gateway.WithStateObserver(func(gateway.State) { v.changed() }),
		)
		v.wg.Add(1)
		go func() {
			defer v.wg.Done()
			if err := v.gw.Run(v.ctx); err != nil && !errors.Is(err, context.Canceled) {
				v.logger.Error("push channel stopped", "error", err)
				v.post(func() {
					v.channelErr = fmt.Errorf("%w: %w", ErrChannelDegraded, err)
					v.changed()
				})
			}
		}()
	}
	v.changed()
	return nil
}

// Close останавливает подписку и цикл, отменяет запросы в полёте и
// отбрасывает неподтверждённое состояние. Повторный вызов безопасен.
func (v *View) Close() {
	v.closed.Do(func() {
		v.cancel()
		if v.opened.Load() {
			<-v.loopDone
		}
		v.wg.Wait()
		v.drain()

		for _, o := range v.orphans {
			o.timer.Stop()
		}
		for _, t := range v.tracks {
			if t.likeCancel != nil {
				t.likeCancel()
			}
		}
		for f := range v.futures {
			f.resolve(ErrViewClosed)
		}
		v.futures = nil
		v.tracks = nil
		v.adds = nil
		v.orphans = nil
		v.hidden = nil

		v.listenersMu.Lock()
		for id, ch := range v.listeners {
			close(ch)
			delete(v.listeners, id)
		}
		v.listenersMu.Unlock()
	})
}

func (v *View) loop() {
	defer close(v.loopDone)
	for {
		select {
		case <-v.ctx.Done():
			return
		case fn := <-v.work:
			fn()
		}
	}
}

// drain выполняет задачи, оставшиеся в очереди после остановки цикла или
// поставленные до Open. Намерения среди них разрешаются с ErrViewClosed.
func (v *View) drain() {
	for {
		select {
		case fn := <-v.work:
			fn()
		default:
			return
		}
	}
}

// post ставит задачу в очередь цикла; false, если представление закрыто
func (v *View) post(fn func()) bool {
	select {
	case <-v.ctx.Done():
		return false
	default:
	}
	select {
	case v.work <- fn:
		return true
	case <-v.ctx.Done():
		return false
	}
}

// call выполняет fn в цикле и ждёт её завершения
func (v *View) call(fn func()) bool {
	done := make(chan struct{})
	if !v.post(func() { fn(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-v.loopDone:
		return false
	}
}

// Dispatch применяет намерение спекулятивно и возвращает Future, которое
// разрешится после подтверждения или отката
func (v *View) Dispatch(intent Intent) *Future {
	if intent == nil {
		return resolvedFuture(precondition("", ID{}, ErrInvalidComment))
	}
	f := newFuture()
	if !v.post(func() { v.apply(intent, f) }) {
		f.resolve(ErrViewClosed)
	}
	return f
}

func (v *View) AddComment(content string) *Future {
	return v.Dispatch(AddComment{Content: content})
}

func (v *View) AddReply(parentID ID, content string) *Future {
	return v.Dispatch(AddReply{ParentID: parentID, Content: content})
}

func (v *View) EditComment(id ID, content string) *Future {
	return v.Dispatch(EditComment{ID: id, Content: content})
}

func (v *View) DeleteComment(id ID) *Future {
	return v.Dispatch(DeleteComment{ID: id})
}

func (v *View) ToggleLike(id ID) *Future {
	return v.Dispatch(ToggleLike{ID: id})
}

// Get возвращает снимок узла с поддеревом
func (v *View) Get(id ID) (Comment, error) {
	var (
		c   Comment
		err error
	)
	if !v.call(func() { c, err = v.store.Get(id) }) {
		return Comment{}, ErrViewClosed
	}
	return c, err
}

// Len возвращает число узлов в дереве
func (v *View) Len() int {
	var n int
	v.call(func() { n = v.store.Len() })
	return n
}

// Roots лениво перечисляет корни треда. Каждый обход начинается с текущего
// состояния; корень, удалённый во время обхода, пропускается.
func (v *View) Roots() iter.Seq[Comment] {
	return func(yield func(Comment) bool) {
		var ids []ID
		if !v.call(func() { ids = v.store.RootIDs(v.threadID) }) {
			return
		}
		for _, id := range ids {
			var (
				c  Comment
				ok bool
			)
			if !v.call(func() {
				var err error
				c, err = v.store.Get(id)
				ok = err == nil
			}) {
				return
			}
			if ok && !yield(c) {
				return
			}
		}
	}
}

// ChannelState возвращает состояние push-канала и последнюю ошибку деградации
func (v *View) ChannelState() (gateway.State, error) {
	state := gateway.Disconnected
	if v.gw != nil {
		state = v.gw.State()
	}
	var err error
	v.call(func() { err = v.channelErr })
	return state, err
}

// Changes возвращает сигнал об изменении состояния. Сигналы схлопываются:
// подписчик получает не больше одного непрочитанного уведомления.
func (v *View) Changes() (<-chan struct{}, func()) {
	v.listenersMu.Lock()
	defer v.listenersMu.Unlock()

	ch := make(chan struct{}, 1)
	id := v.nextID
	v.nextID++
	v.listeners[id] = ch
	return ch, func() {
		v.listenersMu.Lock()
		defer v.listenersMu.Unlock()
		if ch, ok := v.listeners[id]; ok {
			close(ch)
			delete(v.listeners, id)
		}
	}
}

func (v *View) changed() {
	v.listenersMu.Lock()
	defer v.listenersMu.Unlock()
	for _, ch := range v.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (v *View) register(f *Future) {
	v.futures[f] = struct{}{}
}

func (v *View) resolve(f *Future, err error) {
	if f == nil {
		return
	}
	delete(v.futures, f)
	f.resolve(err)
}

func (v *View) resolveAll(fs []*Future, err error) {
	for _, f := range fs {
		v.resolve(f, err)
	}
}

// goRemote выполняет вызов удалённого хранилища вне цикла и возвращает
// результат в цикл. После закрытия представления новые вызовы не стартуют.
func (v *View) goRemote(parent context.Context, call func(ctx context.Context) error, done func(err error)) {
	if v.ctx.Err() != nil {
		return
	}
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ctx, cancel := context.WithTimeout(parent, v.settings.remoteTimeout)
		err := call(ctx)
		cancel()
		v.post(func() { done(err) })
	}()
}

type gatewayHandler struct {
	v *View
}

func (h gatewayHandler) HandleEvent(event domain.Event) {
	h.v.post(func() { h.v.handleEvent(event) })
}

func (h gatewayHandler) Subscribed() {
	h.v.post(func() {
		h.v.channelErr = nil
		h.v.requestResync("subscribed", true)
	})
}

func (h gatewayHandler) Degraded(err error) {
	h.v.metrics.channelDrop()
	h.v.post(func() {
		h.v.channelErr = fmt.Errorf("%w: %w", ErrChannelDegraded, err)
		h.v.changed()
	})
}
