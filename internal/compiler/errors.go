package compiler

import "fmt"

// Kind discriminates the fixed taxonomy of query-compilation errors

type Kind int

const (
	DistinctRequiresSelect Kind = iota
	HavingRequiresGroupBy
	LimitOffsetRequireOrderBy
	UnsupportedFromType
	JoinConditionMustBeEquality
	QueryMustHaveFrom
	SubqueryMustHaveFrom
	OnlyOneSourceAllowed
	InvalidSource
	CollectionInputNotFound
	UnknownExpression
	UnknownFunction
	EmptyReferencePath
	AggregateNotInSelect
	UnknownHavingExpression
)

func (k Kind) String() string {
	switch k {
	case DistinctRequiresSelect:
		return "distinct requires select"
	case HavingRequiresGroupBy:
		return "having requires groupBy"
	case LimitOffsetRequireOrderBy:
		return "limit/offset require orderBy"
	case UnsupportedFromType:
		return "unsupported from type"
	case JoinConditionMustBeEquality:
		return "join condition must be equality"
	case QueryMustHaveFrom:
		return "query must have from"
	case SubqueryMustHaveFrom:
		return "subquery must have from"
	case OnlyOneSourceAllowed:
		return "only one source allowed"
	case InvalidSource:
		return "invalid source"
	case CollectionInputNotFound:
		return "collection input not found"
	case UnknownExpression:
		return "unknown expression"
	case UnknownFunction:
		return "unknown function"
	case EmptyReferencePath:
		return "empty reference path"
	case AggregateNotInSelect:
		return "aggregate not in select"
	case UnknownHavingExpression:
		return "unknown having expression"
	default:
		return "unknown compiler error"
	}
}

// Error is compiler's single error type; every failure mode in the
// taxonomy above is reported through it rather than an ad hoc
// fmt.Errorf, so callers can switch on Kind.
type Error struct {
	Kind    Kind
	Alias   string
	Detail  string
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Alias != "" {
		msg = fmt.Sprintf("%s (alias %q)", msg, e.Alias)
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}

func errKind(k Kind, alias, detail string) error {
	return &Error{Kind: k, Alias: alias, Detail: detail}
}
