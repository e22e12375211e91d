package sqlrewrite

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// AST construction helpers shared by the injection and CTE builders.

func makeColumnRef(tableAlias, column string) *pg_query.Node {
	var fields []*pg_query.Node
	if tableAlias != "" {
		fields = append(fields, makeStringNode(tableAlias))
	}
	fields = append(fields, makeStringNode(column))
	return &pg_query.Node{
		Node: &pg_query.Node_ColumnRef{
			ColumnRef: &pg_query.ColumnRef{Fields: fields},
		},
	}
}

// makeStarRef builds "tableAlias.*".
func makeStarRef(tableAlias string) *pg_query.Node {
	var fields []*pg_query.Node
	if tableAlias != "" {
		fields = append(fields, makeStringNode(tableAlias))
	}
	fields = append(fields, &pg_query.Node{
		Node: &pg_query.Node_AStar{AStar: &pg_query.A_Star{}},
	})
	return &pg_query.Node{
		Node: &pg_query.Node_ColumnRef{
			ColumnRef: &pg_query.ColumnRef{Fields: fields},
		},
	}
}

func makeStringNode(s string) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_String_{
			String_: &pg_query.String{Sval: s},
		},
	}
}

func makeIntegerConst(v int64) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_AConst{
			AConst: &pg_query.A_Const{
				Val: &pg_query.A_Const_Ival{
					Ival: &pg_query.Integer{Ival: int32(v)},
				},
			},
		},
	}
}

func makeBoolConst(v bool) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_AConst{
			AConst: &pg_query.A_Const{
				Val: &pg_query.A_Const_Boolval{
					Boolval: &pg_query.Boolean{Boolval: v},
				},
			},
		},
	}
}

func makeResTarget(name string, val *pg_query.Node) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_ResTarget{
			ResTarget: &pg_query.ResTarget{Name: name, Val: val},
		},
	}
}

func makeRangeVar(name string) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_RangeVar{
			RangeVar: &pg_query.RangeVar{Relname: name, Inh: true},
		},
	}
}

func makeEqualsExpr(left, right *pg_query.Node) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_AExpr{
			AExpr: &pg_query.A_Expr{
				Kind:  pg_query.A_Expr_Kind_AEXPR_OP,
				Name:  []*pg_query.Node{makeStringNode("=")},
				Lexpr: left,
				Rexpr: right,
			},
		},
	}
}

func makeJoin(joinType pg_query.JoinType, larg, rarg, quals *pg_query.Node) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_JoinExpr{
			JoinExpr: &pg_query.JoinExpr{
				Jointype: joinType,
				Larg:     larg,
				Rarg:     rarg,
				Quals:    quals,
			},
		},
	}
}

func makeCTE(name string, query *pg_query.SelectStmt) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_CommonTableExpr{
			CommonTableExpr: &pg_query.CommonTableExpr{
				Ctename: name,
				Ctequery: &pg_query.Node{
					Node: &pg_query.Node_SelectStmt{SelectStmt: query},
				},
				Ctematerialized: pg_query.CTEMaterialize_CTEMaterializeDefault,
			},
		},
	}
}

func makeCaseWhen(cond, then, els *pg_query.Node) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_CaseExpr{
			CaseExpr: &pg_query.CaseExpr{
				Args: []*pg_query.Node{{
					Node: &pg_query.Node_CaseWhen{
						CaseWhen: &pg_query.CaseWhen{Expr: cond, Result: then},
					},
				}},
				Defresult: els,
			},
		},
	}
}

func makeFuncCall(name string, args ...*pg_query.Node) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_FuncCall{
			FuncCall: &pg_query.FuncCall{
				Funcname:   []*pg_query.Node{makeStringNode(name)},
				Args:       args,
				Funcformat: pg_query.CoercionForm_COERCE_EXPLICIT_CALL,
			},
		},
	}
}

// combineWithAnd combines multiple expressions into a single BoolExpr
// AND. If there's only one expression, returns it directly.
func combineWithAnd(exprs []*pg_query.Node) *pg_query.Node {
	if len(exprs) == 0 {
		return nil
	}
	if len(exprs) == 1 {
		return exprs[0]
	}
	return &pg_query.Node{
		Node: &pg_query.Node_BoolExpr{
			BoolExpr: &pg_query.BoolExpr{
				Boolop: pg_query.BoolExprType_AND_EXPR,
				Args:   exprs,
			},
		},
	}
}

// makeAndExpr creates a BoolExpr AND combining two expressions,
// flattening sides that are already ANDs.
func makeAndExpr(left, right *pg_query.Node) *pg_query.Node {
	var args []*pg_query.Node

	if be, ok := left.Node.(*pg_query.Node_BoolExpr); ok && be.BoolExpr.Boolop == pg_query.BoolExprType_AND_EXPR {
		args = append(args, be.BoolExpr.Args...)
	} else {
		args = append(args, left)
	}

	if be, ok := right.Node.(*pg_query.Node_BoolExpr); ok && be.BoolExpr.Boolop == pg_query.BoolExprType_AND_EXPR {
		args = append(args, be.BoolExpr.Args...)
	} else {
		args = append(args, right)
	}

	return &pg_query.Node{
		Node: &pg_query.Node_BoolExpr{
			BoolExpr: &pg_query.BoolExpr{
				Boolop: pg_query.BoolExprType_AND_EXPR,
				Args:   args,
			},
		},
	}
}
