package workflow

import (
	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/docstore"
	"github.com/mmdatafocus/stock_engine/syncqueue"
	"github.com/sirupsen/logrus"
)

// Engine wires the inventory components around one store and one sync queue.
type Engine struct {
	Config config.EngineConfig
	Store  docstore.Store
	Queue  *syncqueue.Queue
	Logger *logrus.Logger

	Bus       *ChangeBus
	Index     *RecipeIndex
	Costs     *CostSynchronizer
	Deductor  *Deductor
	Inventory *InventoryService
	Menu      *MenuService
	POS       *POSProjector
	Orders    *OrderService
}

// NewEngine builds the components. queue and publisher may be nil: writes
// then fail instead of queueing, and notifications stay in-process.
func NewEngine(store docstore.Store, queue *syncqueue.Queue, publisher Publisher, logger *logrus.Logger, cfg config.EngineConfig) *Engine {
	if logger == nil {
		logger = config.GetLogger()
	}
	var enq Enqueuer
	if queue != nil {
		enq = queue
	}

	e := &Engine{Config: cfg, Store: store, Queue: queue, Logger: logger}
	e.Bus = NewChangeBus(logger, publisher)
	e.Index = NewRecipeIndex(store)
	e.Costs = NewCostSynchronizer(store, e.Index, e.Bus, logger, cfg)
	e.Deductor = NewDeductor(store, e.Index, enq, logger, cfg)
	e.Inventory = NewInventoryService(store, enq, e.Costs, logger, cfg)
	e.Menu = NewMenuService(store, e.Index, e.Costs, e.Bus, enq, logger, cfg)
	e.POS = NewPOSProjector(store, logger)
	e.POS.Attach(e.Bus)
	e.Orders = NewOrderService(store, e.Deductor, logger)

	if queue != nil {
		e.RegisterReplayHandlers(queue)
	}
	return e
}

func (e *Engine) Close() {
	e.Costs.Close()
}
