package server

import (
	"context"
	"encoding/hex"
	"net/url"
	"strconv"

	"EscrowVault/internal/core"
	"EscrowVault/internal/escrow"
	"EscrowVault/internal/event"
	fpmath "EscrowVault/internal/math"
	"EscrowVault/internal/state"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "escrowvault.v1.VaultService"

// --- Messages ---

// IDRequest addresses one Budget or Goal. Embedded by every request that
// targets an entity so the HTTP gateway can fill it from the path.
type IDRequest struct {
	ID string `json:"id"`
}

func (r *IDRequest) setID(id string) { r.ID = id }

type ListRequest struct {
	AssetCanister string `json:"asset_canister,omitempty"`
}

func (r *ListRequest) bindQuery(q url.Values) error {
	if v := q.Get("asset"); v != "" {
		r.AssetCanister = v
	}
	return nil
}

type RefreshAccrualRequest struct {
	IDRequest
	MaxDelta *fpmath.Amount `json:"max_delta,omitempty"`
}

type WithdrawRequest struct {
	IDRequest
	Amount fpmath.Amount `json:"amount"`
	// Hex-encoded 32-byte subaccount of the owner; empty for the default account
	ToSubaccount string `json:"to_subaccount,omitempty"`
}

type UpdateBudgetRequest struct {
	IDRequest
	core.UpdateBudgetRequest
}

type AddFundsRequest struct {
	IDRequest
	Amount fpmath.Amount `json:"amount"`
}

type ListEventsRequest struct {
	IDRequest
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func (r *ListEventsRequest) bindQuery(q url.Values) error {
	for name, dst := range map[string]*int{"limit": &r.Limit, "offset": &r.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
		}
		*dst = n
	}
	return nil
}

type PreviewRequirementsRequest struct {
	AssetCanister string           `json:"asset_canister"`
	AssetKind     escrow.AssetKind `json:"asset_kind"`
	AmountToLock  fpmath.Amount    `json:"amount_to_lock"`
}

type BudgetList struct {
	Budgets []*state.Budget `json:"budgets"`
}

type GoalList struct {
	Goals []*state.Goal `json:"goals"`
}

type EventList struct {
	Events []event.Record `json:"events"`
}

type ScheduleResponse struct {
	Items []core.ScheduleItem `json:"items"`
}

type WithdrawResponse struct {
	ID        string        `json:"id"`
	Requested fpmath.Amount `json:"requested"`
	Net       fpmath.Amount `json:"net"`
}

type AllowanceResponse struct {
	Allowance fpmath.Amount `json:"allowance"`
}

type Empty struct{}

// --- Service ---

// VaultServer is the handler contract registered under ServiceName.
type VaultServer interface {
	CreateBudget(context.Context, *core.CreateBudgetRequest) (*state.Budget, error)
	CreateAndLockBudget(context.Context, *core.CreateBudgetRequest) (*state.Budget, error)
	GetBudget(context.Context, *IDRequest) (*state.Budget, error)
	ListBudgets(context.Context, *ListRequest) (*BudgetList, error)
	RefreshAccrual(context.Context, *RefreshAccrualRequest) (*state.Budget, error)
	PreviewAccrual(context.Context, *IDRequest) (*core.AccrualPreview, error)
	WithdrawBudget(context.Context, *WithdrawRequest) (*WithdrawResponse, error)
	UpdateBudget(context.Context, *UpdateBudgetRequest) (*state.Budget, error)
	PauseBudget(context.Context, *IDRequest) (*state.Budget, error)
	ResumeBudget(context.Context, *IDRequest) (*state.Budget, error)
	TriggerLockNow(context.Context, *IDRequest) (*state.Budget, error)
	DeleteBudget(context.Context, *IDRequest) (*Empty, error)
	BudgetEscrowAccount(context.Context, *IDRequest) (*escrow.Account, error)
	PreviewSchedule(context.Context, *IDRequest) (*ScheduleResponse, error)
	RequiredAllowance(context.Context, *IDRequest) (*AllowanceResponse, error)
	RequiredAmounts(context.Context, *IDRequest) (*core.AmountRequirements, error)
	PreviewRequirements(context.Context, *PreviewRequirementsRequest) (*core.AmountRequirements, error)

	CreateGoal(context.Context, *core.CreateGoalRequest) (*state.Goal, error)
	AddFunds(context.Context, *AddFundsRequest) (*state.Goal, error)
	GetGoal(context.Context, *IDRequest) (*state.Goal, error)
	ListGoals(context.Context, *ListRequest) (*GoalList, error)
	GetGoalProgress(context.Context, *IDRequest) (*core.GoalProgress, error)
	WithdrawGoal(context.Context, *WithdrawRequest) (*WithdrawResponse, error)
	ArchiveGoal(context.Context, *IDRequest) (*state.Goal, error)
	GoalEscrowAccount(context.Context, *IDRequest) (*escrow.Account, error)

	ListEvents(context.Context, *ListEventsRequest) (*EventList, error)
}

// VaultService adapts the engine to VaultServer. Caller identity comes from
// the request context (x-caller metadata or header).
type VaultService struct {
	engine *core.Engine
}

func NewVaultService(engine *core.Engine) *VaultService {
	return &VaultService{engine: engine}
}

var _ VaultServer = (*VaultService)(nil)

func requireCaller(ctx context.Context) (string, error) {
	caller := CallerFrom(ctx)
	if caller == "" {
		return "", status.Error(codes.Unauthenticated, CallerHeader+" is required")
	}
	return caller, nil
}

func requireID(id string) error {
	if id == "" {
		return status.Error(codes.InvalidArgument, "id is required")
	}
	return nil
}

func parseSubaccount(s string) (*escrow.Subaccount, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "to_subaccount: %v", err)
	}
	sub, err := escrow.SubaccountFromBytes(b)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "to_subaccount: %v", err)
	}
	return sub, nil
}

// --- Budgets ---

func (s *VaultService) CreateBudget(ctx context.Context, req *core.CreateBudgetRequest) (*state.Budget, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	b, err := s.engine.CreateBudget(caller, *req)
	return b, toStatus(err)
}

func (s *VaultService) CreateAndLockBudget(ctx context.Context, req *core.CreateBudgetRequest) (*state.Budget, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	b, err := s.engine.CreateAndLockBudget(ctx, caller, *req)
	return b, toStatus(err)
}

func (s *VaultService) GetBudget(ctx context.Context, req *IDRequest) (*state.Budget, error) {
	if err := requireID(req.ID); err != nil {
		return nil, err
	}
	b, err := s.engine.GetBudget(req.ID)
	return b, toStatus(err)
}

func (s *VaultService) ListBudgets(ctx context.Context, req *ListRequest) (*BudgetList, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	if req.AssetCanister != "" {
		return &BudgetList{Budgets: s.engine.ListBudgetsByAsset(caller, req.AssetCanister)}, nil
	}
	return &BudgetList{Budgets: s.engine.ListBudgets(caller)}, nil
}

func (s *VaultService) RefreshAccrual(ctx context.Context, req *RefreshAccrualRequest) (*state.Budget, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	b, err := s.engine.RefreshAccrualStep(caller, req.ID, req.MaxDelta)
	return b, toStatus(err)
}

func (s *VaultService) PreviewAccrual(ctx context.Context, req *IDRequest) (*core.AccrualPreview, error) {
	p, err := s.engine.PreviewAccrual(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &p, nil
}

func (s *VaultService) WithdrawBudget(ctx context.Context, req *WithdrawRequest) (*WithdrawResponse, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := parseSubaccount(req.ToSubaccount)
	if err != nil {
		return nil, err
	}
	net, err := s.engine.WithdrawBudget(ctx, caller, req.ID, req.Amount, sub)
	if err != nil {
		return nil, toStatus(err)
	}
	return &WithdrawResponse{ID: req.ID, Requested: req.Amount, Net: net}, nil
}

func (s *VaultService) UpdateBudget(ctx context.Context, req *UpdateBudgetRequest) (*state.Budget, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	b, err := s.engine.UpdateBudget(caller, req.ID, req.UpdateBudgetRequest)
	return b, toStatus(err)
}

func (s *VaultService) PauseBudget(ctx context.Context, req *IDRequest) (*state.Budget, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.engine.PauseBudget(caller, req.ID); err != nil {
		return nil, toStatus(err)
	}
	b, err := s.engine.GetBudget(req.ID)
	return b, toStatus(err)
}

func (s *VaultService) ResumeBudget(ctx context.Context, req *IDRequest) (*state.Budget, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.engine.ResumeBudget(caller, req.ID); err != nil {
		return nil, toStatus(err)
	}
	b, err := s.engine.GetBudget(req.ID)
	return b, toStatus(err)
}

func (s *VaultService) TriggerLockNow(ctx context.Context, req *IDRequest) (*state.Budget, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.engine.TriggerLockNow(ctx, caller, req.ID); err != nil {
		return nil, toStatus(err)
	}
	b, err := s.engine.GetBudget(req.ID)
	return b, toStatus(err)
}

func (s *VaultService) DeleteBudget(ctx context.Context, req *IDRequest) (*Empty, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.engine.DeleteBudget(ctx, caller, req.ID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *VaultService) BudgetEscrowAccount(ctx context.Context, req *IDRequest) (*escrow.Account, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	acct, err := s.engine.BudgetEscrowAccount(caller, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &acct, nil
}

func (s *VaultService) PreviewSchedule(ctx context.Context, req *IDRequest) (*ScheduleResponse, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	items, err := s.engine.PreviewSchedule(caller, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ScheduleResponse{Items: items}, nil
}

func (s *VaultService) RequiredAllowance(ctx context.Context, req *IDRequest) (*AllowanceResponse, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	a, err := s.engine.RequiredAllowance(caller, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AllowanceResponse{Allowance: a}, nil
}

func (s *VaultService) RequiredAmounts(ctx context.Context, req *IDRequest) (*core.AmountRequirements, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.engine.RequiredAmounts(ctx, caller, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &r, nil
}

func (s *VaultService) PreviewRequirements(ctx context.Context, req *PreviewRequirementsRequest) (*core.AmountRequirements, error) {
	r, err := s.engine.PreviewRequirements(ctx, req.AssetCanister, req.AssetKind, req.AmountToLock)
	if err != nil {
		return nil, toStatus(err)
	}
	return &r, nil
}

// --- Goals ---

func (s *VaultService) CreateGoal(ctx context.Context, req *core.CreateGoalRequest) (*state.Goal, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	g, err := s.engine.CreateAndLockGoal(ctx, caller, *req)
	return g, toStatus(err)
}

func (s *VaultService) AddFunds(ctx context.Context, req *AddFundsRequest) (*state.Goal, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	g, err := s.engine.AddFunds(ctx, caller, req.ID, req.Amount)
	return g, toStatus(err)
}

func (s *VaultService) GetGoal(ctx context.Context, req *IDRequest) (*state.Goal, error) {
	if err := requireID(req.ID); err != nil {
		return nil, err
	}
	g, err := s.engine.GetGoal(req.ID)
	return g, toStatus(err)
}

func (s *VaultService) ListGoals(ctx context.Context, req *ListRequest) (*GoalList, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	goals := s.engine.ListGoals(caller)
	if req.AssetCanister != "" {
		filtered := goals[:0]
		for _, g := range goals {
			if g.AssetCanister == req.AssetCanister {
				filtered = append(filtered, g)
			}
		}
		goals = filtered
	}
	return &GoalList{Goals: goals}, nil
}

func (s *VaultService) GetGoalProgress(ctx context.Context, req *IDRequest) (*core.GoalProgress, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.engine.GetGoalProgress(caller, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &p, nil
}

func (s *VaultService) WithdrawGoal(ctx context.Context, req *WithdrawRequest) (*WithdrawResponse, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	if req.ToSubaccount != "" {
		return nil, status.Error(codes.InvalidArgument, "goal withdrawals go to the default account")
	}
	net, err := s.engine.WithdrawGoal(ctx, caller, req.ID, req.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return &WithdrawResponse{ID: req.ID, Requested: req.Amount, Net: net}, nil
}

func (s *VaultService) ArchiveGoal(ctx context.Context, req *IDRequest) (*state.Goal, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.engine.ArchiveGoal(caller, req.ID); err != nil {
		return nil, toStatus(err)
	}
	g, err := s.engine.GetGoal(req.ID)
	return g, toStatus(err)
}

func (s *VaultService) GoalEscrowAccount(ctx context.Context, req *IDRequest) (*escrow.Account, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	acct, err := s.engine.GoalEscrowAccount(caller, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &acct, nil
}

// --- Events ---

func (s *VaultService) ListEvents(ctx context.Context, req *ListEventsRequest) (*EventList, error) {
	recs, err := s.engine.ListEvents(req.ID, req.Limit, req.Offset)
	if err != nil {
		return nil, toStatus(err)
	}
	if recs == nil {
		recs = []event.Record{}
	}
	return &EventList{Events: recs}, nil
}

// --- Descriptor ---

// unary builds a method descriptor that decodes Req, runs the interceptor
// chain and calls fn. The HTTP gateway drives the same handlers with a
// decoder of its own.
func unary[Req any](name string, fn func(VaultServer, context.Context, *Req) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				if _, ok := status.FromError(err); ok {
					return nil, err
				}
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			call := func(ctx context.Context, r interface{}) (interface{}, error) {
				return fn(srv.(VaultServer), ctx, r.(*Req))
			}
			if interceptor == nil {
				return call(ctx, req)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			return interceptor(ctx, req, info, call)
		},
	}
}

var vaultServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VaultServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateBudget", func(s VaultServer, ctx context.Context, r *core.CreateBudgetRequest) (interface{}, error) {
			return s.CreateBudget(ctx, r)
		}),
		unary("CreateAndLockBudget", func(s VaultServer, ctx context.Context, r *core.CreateBudgetRequest) (interface{}, error) {
			return s.CreateAndLockBudget(ctx, r)
		}),
		unary("GetBudget", func(s VaultServer, ctx context.Context, r *IDRequest) (interface{}, error) {
			return s.GetBudget(ctx, r)
		}),
		unary("ListBudgets", func(s VaultServer, ctx context.Context, r *ListRequest) (interface{}, error) {
			return s.ListBudgets(ctx, r)
		}),
		unary("RefreshAccrual", func(s VaultServer, ctx context.Context, r *RefreshAccrualRequest) (interface{}, error) {
			return s.RefreshAccrual(ctx, r)
		}),
		unary("PreviewAccrual", func(s VaultServer, ctx context.Context, r *IDRequest) (interface{}, error) {
			return s.PreviewAccrual(ctx, r)
		}),
		unary("WithdrawBudget", func(s VaultServer, ctx context.Context, r *WithdrawRequest) (interface{}, error) {
			return s.WithdrawBudget(ctx, r)
		}),
		unary("UpdateBudget", func(s VaultServer, ctx context.Context, r *UpdateBudgetRequest) (interface{}, error) {
			return s.UpdateBudget(ctx, r)
		}),
		unary("PauseBudget", func(s VaultServer, ctx context.Context, r *IDRequest) (interface{}, error) {
			return s.PauseBudget(ctx, r)
		}),
		unary("ResumeBudget", func(s VaultServer, ctx context.Context, r *IDRequest) (interface{}, error) {
			return s.ResumeBudget(ctx, r)
		}),
		unary("TriggerLockNow", func(s VaultServer, ctx context.Context, r *IDRequest) (interface{}, error) {
			return s.TriggerLockNow(ctx, r)
		}),
		unary("DeleteBudget", func(s VaultServer, ctx context.Context, r *IDRequest) (interface{}, error) {
			return s.DeleteBudget(ctx, r)
		}),
		unary("BudgetEscrowAccount", func(s VaultServer, ctx context.Context, r *IDRequest) (interface{}, error) {
			return s.BudgetEscrowAccount(ctx, r)
		}),
		unary("PreviewSchedule", func(s VaultServer, ctx context.Context, r *IDRequest) (interface{}, error) {
			return s.PreviewSchedule(ctx, r)
		}),
		unary("RequiredAllowance", func(s VaultServer, ctx context.Context, r *IDRequest) (interface{}, error) {
			return s.RequiredAllowance(ctx, r)
		}),
		unary("RequiredAmounts", func(s VaultServer, ctx context.Context, r *IDRequest) (interface{}, error) {
			return s.RequiredAmounts(ctx, r)
		}),
		unary("PreviewRequirements", func(s VaultServer, ctx context.Context, r *PreviewRequirementsRequest) (interface{}, error) {
			return s.PreviewRequirements(ctx, r)
		}),
		unary("CreateGoal", func(s VaultServer, ctx context.Context, r *core.CreateGoalRequest) (interface{}, error) {
			return s.CreateGoal(ctx, r)
		}),
		unary("AddFunds", func(s VaultServer, ctx context.Context, r *AddFundsRequest) (interface{}, error) {
			return s.AddFunds(ctx, r)
		}),
		unary("GetGoal", func(s VaultServer, ctx context.Context, r *IDRequest) (interface{}, error) {
			return s.GetGoal(ctx, r)
		}),
		unary("ListGoals", func(s VaultServer, ctx context.Context, r *ListRequest) (interface{}, error) {
			return s.ListGoals(ctx, r)
		}),
		unary("GetGoalProgress", func(s VaultServer, ctx context.Context, r *IDRequest) (interface{}, error) {
			return s.GetGoalProgress(ctx, r)
		}),
		unary("WithdrawGoal", func(s VaultServer, ctx context.Context, r *WithdrawRequest) (interface{}, error) {
			return s.WithdrawGoal(ctx, r)
		}),
		unary("ArchiveGoal", func(s VaultServer, ctx context.Context, r *IDRequest) (interface{}, error) {
			return s.ArchiveGoal(ctx, r)
		}),
		unary("GoalEscrowAccount", func(s VaultServer, ctx context.Context, r *IDRequest) (interface{}, error) {
			return s.GoalEscrowAccount(ctx, r)
		}),
		unary("ListEvents", func(s VaultServer, ctx context.Context, r *ListEventsRequest) (interface{}, error) {
			return s.ListEvents(ctx, r)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "escrowvault/v1/vault.proto",
}

// RegisterVaultServer registers srv on a gRPC server.
func RegisterVaultServer(s grpc.ServiceRegistrar, srv VaultServer) {
	s.RegisterService(&vaultServiceDesc, srv)
}

// methodDesc looks up a VaultService method by name.
func methodDesc(name string) (grpc.MethodDesc, bool) {
	for _, m := range vaultServiceDesc.Methods {
		if m.MethodName == name {
			return m, true
		}
	}
	return grpc.MethodDesc{}, false
}
